// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/warden-auth/warden/internal/auth"
	"github.com/warden-auth/warden/internal/auth/memstore"
	"github.com/warden-auth/warden/internal/auth/postgres"
	"github.com/warden-auth/warden/internal/config"
	"github.com/warden-auth/warden/internal/ephemeral"
	"github.com/warden-auth/warden/internal/logging"
	"github.com/warden-auth/warden/internal/oauth"
	"github.com/warden-auth/warden/internal/observability"
	"github.com/warden-auth/warden/internal/passkey"
	"github.com/warden-auth/warden/internal/ratelimit"
	"github.com/warden-auth/warden/internal/store"
	"github.com/warden-auth/warden/internal/twofactor"
	"github.com/warden-auth/warden/internal/web"
	"github.com/warden-auth/warden/pkg/errutil"
)

const (
	serviceName     = "warden"
	shutdownTimeout = 5 * time.Second
)

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authentication server",
		Long: `Run the HTTP authentication server and, when metrics-addr is set,
the metrics and health endpoints.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.ResolvePath(configFile), cmd.Flags())
			if err != nil {
				return err
			}
			return runServeWithDeps(cmd.Context(), cfg, cmd, nil)
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

// components is the assembled service graph.
type components struct {
	sessions *auth.SessionManager
	limiter  *ratelimit.Limiter
	web      *web.Server
}

// runServeWithDeps starts the server with injectable dependencies.
// If deps is nil, default implementations are used.
func runServeWithDeps(ctx context.Context, cfg *config.Config, cmd *cobra.Command, deps *ServeDeps) error {
	if deps == nil {
		deps = &ServeDeps{}
	}
	if deps.MigratorFactory == nil {
		deps.MigratorFactory = newStoreMigrator
	}
	if deps.StoreFactory == nil {
		deps.StoreFactory = openStore
	}
	if deps.EphemeralFactory == nil {
		deps.EphemeralFactory = openEphemeral
	}
	if deps.RelyingPartyFactory == nil {
		deps.RelyingPartyFactory = func(rpCfg passkey.WebAuthnConfig) (passkey.RelyingParty, error) {
			rp, err := passkey.NewWebAuthnRelyingParty(rpCfg)
			if err != nil {
				return nil, err
			}
			return rp, nil
		}
	}
	if deps.MailerFactory == nil {
		deps.MailerFactory = func(logger *slog.Logger) auth.Mailer {
			return auth.NewLogMailer(logger)
		}
	}
	if deps.ObservabilityServerFactory == nil {
		deps.ObservabilityServerFactory = func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer {
			return observability.NewServer(addr, readinessChecker)
		}
	}

	if err := cfg.Validate(); err != nil {
		return oops.Wrapf(err, "invalid configuration")
	}

	logger := logging.Setup(serviceName, version, cfg.Log.Format, deps.LogWriter)
	slog.SetDefault(logger)

	logger.Info("starting warden",
		"http_addr", cfg.HTTP.Addr,
		"log_format", cfg.Log.Format,
		"ephemeral_backend", cfg.Ephemeral.Backend,
	)

	if cfg.Database.URL != "" && cfg.Database.AutoMigrate {
		if err := runAutoMigration(cfg.Database.URL, deps.MigratorFactory); err != nil {
			return err
		}
	}

	accounts, closeStore, err := deps.StoreFactory(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	states, err := deps.EphemeralFactory(ctx, cfg.Ephemeral)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := states.Close(); closeErr != nil {
			logger.Warn("error closing ephemeral store", "error", closeErr)
		}
	}()

	rp, err := deps.RelyingPartyFactory(cfg.WebAuthn.RelyingParty())
	if err != nil {
		return oops.Code("WEBAUTHN_CONFIG_INVALID").Wrap(err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var ready atomic.Bool
	var obsServer ObservabilityServer
	var metrics *serveMetrics
	if cfg.Metrics.Addr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.Metrics.Addr, ready.Load)
		metrics = &serveMetrics{registry: obsServer.Registry(), requests: obsServer.Metrics().RequestsTotal}
	}

	app, err := assemble(cfg, accounts, states, rp, deps.MailerFactory(logger), metrics, logger)
	if err != nil {
		return err
	}
	defer app.limiter.Close()

	if obsServer != nil {
		obsErrChan, err := obsServer.Start()
		if err != nil {
			return oops.Code("OBSERVABILITY_START_FAILED").Wrap(err)
		}
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
		logger.Info("observability server started", "addr", obsServer.Addr())
	}

	webErrChan, err := app.web.Start()
	if err != nil {
		stopObservability(obsServer, logger)
		return oops.Code("WEB_START_FAILED").Wrap(err)
	}
	go monitorServerErrors(ctx, cancel, webErrChan, "web")

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		app.sessions.RunSweeper(ctx, cfg.Session.SweepInterval)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	ready.Store(true)
	cmd.Println("Warden started")
	logger.Info("warden ready", "http_addr", app.web.Addr())
	if deps.Ready != nil {
		deps.Ready(app.web.Addr())
	}

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	logger.Info("shutting down...")
	ready.Store(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := app.web.Stop(shutdownCtx); err != nil {
		logger.Warn("error stopping web server", "error", err)
	}
	cancel()
	<-sweepDone
	stopObservability(obsServer, logger)

	logger.Info("shutdown complete")
	return nil
}

// serveMetrics are the collectors components register with or record to.
type serveMetrics struct {
	registry prometheus.Registerer
	requests *prometheus.CounterVec
}

// assemble wires every component on top of the stores. metrics is nil when
// no metrics listener is configured.
func assemble(
	cfg *config.Config,
	accounts auth.Store,
	states ephemeral.Store,
	rp passkey.RelyingParty,
	mailer auth.Mailer,
	metrics *serveMetrics,
	logger *slog.Logger,
) (*components, error) {
	sessions, err := auth.NewSessionManager(accounts, cfg.Session.Manager(), logger)
	if err != nil {
		return nil, err
	}

	service, err := auth.NewAuthService(accounts, sessions, auth.NewArgon2idHasher(auth.DefaultArgon2Params()), states, mailer, logger)
	if err != nil {
		return nil, err
	}

	engine, err := passkey.NewEngine(rp, accounts, states, logger, passkey.WithChallengeTTL(cfg.WebAuthn.ChallengeTTL))
	if err != nil {
		return nil, err
	}

	sealer, err := auth.NewSecretSealerFromBase64(cfg.TwoFactor.SecretKey)
	if err != nil {
		return nil, err
	}
	coordinator, err := twofactor.NewCoordinator(accounts, sessions, engine, sealer, states, cfg.TwoFactor.Coordinator(), logger)
	if err != nil {
		return nil, err
	}

	linker, err := oauth.NewLinker(accounts, sessions, states, oauthProviders(cfg.OAuth), cfg.OAuth.Linker(), logger)
	if err != nil {
		return nil, err
	}

	var limiterOpts []ratelimit.Option
	var webOpts []web.Option
	if metrics != nil {
		limiterOpts = append(limiterOpts, ratelimit.WithRegistry(metrics.registry))
		webOpts = append(webOpts, web.WithRequestCounter(metrics.requests))
	}
	limiter, err := ratelimit.New(cfg.RateLimit.Limits(), limiterOpts...)
	if err != nil {
		return nil, err
	}

	server, err := web.NewServer(web.Config{
		Addr:              cfg.HTTP.Addr,
		SecureCookies:     cfg.HTTP.SecureCookies,
		TrustProxyHeaders: cfg.HTTP.TrustProxyHeaders,
		RateLimitKey:      ratelimit.KeyMode(cfg.RateLimit.KeyBy),
	}, web.Deps{
		Accounts:  service,
		Sessions:  sessions,
		TwoFactor: coordinator,
		Passkeys:  engine,
		OAuth:     linker,
		Limiter:   limiter,
		Logger:    logger,
	}, webOpts...)
	if err != nil {
		limiter.Close()
		return nil, err
	}

	return &components{sessions: sessions, limiter: limiter, web: server}, nil
}

func oauthProviders(cfg config.OAuthConfig) []*oauth.Provider {
	client := &http.Client{Timeout: cfg.ExchangeTimeout}
	var providers []*oauth.Provider
	if cfg.GitHub.Enabled() {
		providers = append(providers, oauth.NewGitHubProvider(cfg.GitHub.Provider(), client))
	}
	if cfg.Google.Enabled() {
		providers = append(providers, oauth.NewGoogleProvider(cfg.Google.Provider(), client))
	}
	return providers
}

// openStore opens PostgreSQL when a URL is configured and the in-memory
// store otherwise.
func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (auth.Store, func(), error) {
	if cfg.URL == "" {
		logger.Warn("no database configured; accounts are kept in memory")
		return memstore.New().Store(), func() {}, nil
	}
	pool, err := store.Open(ctx, cfg.Pool(), logger)
	if err != nil {
		return auth.Store{}, nil, err
	}
	logger.Info("connected to database")
	return postgres.NewStore(pool), pool.Close, nil
}

// openEphemeral opens the configured ephemeral backend.
func openEphemeral(ctx context.Context, cfg config.EphemeralConfig) (EphemeralStore, error) {
	if cfg.Backend != config.BackendRedis {
		return ephemeral.NewMemoryStore(time.Minute), nil
	}
	rs, err := ephemeral.NewRedisStore(cfg.Redis.Client())
	if err != nil {
		return nil, err
	}
	if err := rs.Ping(ctx); err != nil {
		_ = rs.Close() //nolint:errcheck // ping error takes precedence
		return nil, err
	}
	return rs, nil
}

// AutoMigrator is the part of Migrator used on start.
type AutoMigrator interface {
	Up() error
	Close() error
}

// runAutoMigration applies pending migrations before the pool is opened.
func runAutoMigration(databaseURL string, factory MigratorFactory) error {
	m, err := factory(databaseURL)
	if err != nil {
		return oops.Code("MIGRATION_INIT_FAILED").With("operation", "open migrator").Wrap(err)
	}
	return applyMigrations(m)
}

func applyMigrations(m AutoMigrator) error {
	defer func() {
		if closeErr := m.Close(); closeErr != nil {
			slog.Warn("error closing migrator; connection may leak", "error", closeErr)
		}
	}()
	if err := m.Up(); err != nil {
		return oops.Code("AUTO_MIGRATION_FAILED").Wrap(err)
	}
	slog.Info("database schema is current")
	return nil
}

func stopObservability(obsServer ObservabilityServer, logger *slog.Logger) {
	if obsServer == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := obsServer.Stop(shutdownCtx); err != nil {
		errutil.LogError(logger, "error stopping observability server", err)
	}
}

// monitorServerErrors cancels ctx when a server reports an error. It exits
// when the channel is closed or ctx is done.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
