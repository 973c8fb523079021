// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

// Package web serves the JSON action surface for sign-in, sessions and
// two-factor verification. Every request passes the rate limiter, then
// session resolution, then the two-factor gate.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"

	"github.com/warden-auth/warden/internal/auth"
	"github.com/warden-auth/warden/internal/oauth"
	"github.com/warden-auth/warden/internal/passkey"
	"github.com/warden-auth/warden/internal/ratelimit"
	"github.com/warden-auth/warden/internal/twofactor"
)

// maxBodyBytes bounds JSON request bodies. Attestation responses are the
// largest legitimate payload.
const maxBodyBytes = 64 << 10

// Config controls the HTTP server.
type Config struct {
	Addr string

	// SecureCookies marks every cookie Secure. Enable behind TLS.
	SecureCookies bool

	// TrustProxyHeaders takes the client address from X-Forwarded-For and
	// X-Real-IP. Enable only behind a proxy that sets them.
	TrustProxyHeaders bool

	// RateLimitKey selects how requests share rate limit buckets.
	RateLimitKey ratelimit.KeyMode
}

// Deps are the components the handlers drive.
type Deps struct {
	Accounts  *auth.Service
	Sessions  *auth.SessionManager
	TwoFactor *twofactor.Coordinator
	Passkeys  *passkey.Engine
	OAuth     *oauth.Linker
	Limiter   *ratelimit.Limiter
	Logger    *slog.Logger
}

// Validate checks that all required dependencies are set.
func (d Deps) Validate() error {
	switch {
	case d.Accounts == nil:
		return oops.Errorf("account service is required")
	case d.Sessions == nil:
		return oops.Errorf("session manager is required")
	case d.TwoFactor == nil:
		return oops.Errorf("two-factor coordinator is required")
	case d.Passkeys == nil:
		return oops.Errorf("webauthn engine is required")
	case d.OAuth == nil:
		return oops.Errorf("oauth linker is required")
	case d.Limiter == nil:
		return oops.Errorf("rate limiter is required")
	case d.Logger == nil:
		return oops.Errorf("logger is required")
	}
	return nil
}

// Server is the HTTP front end.
type Server struct {
	cfg        Config
	accounts   *auth.Service
	sessions   *auth.SessionManager
	twoFactor  *twofactor.Coordinator
	passkeys   *passkey.Engine
	oauth      *oauth.Linker
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
	cookies    cookieJar
	now        func() time.Time
	requests   *prometheus.CounterVec
	handler    http.Handler
	listener   net.Listener
	httpServer *http.Server
	running    atomic.Bool
}

// Option configures a Server.
type Option func(*Server)

// WithClock overrides the time source used for cookie expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// WithRequestCounter counts every request by route pattern and status.
// The counter must have the labels route and status.
func WithRequestCounter(counter *prometheus.CounterVec) Option {
	return func(s *Server) {
		s.requests = counter
	}
}

// NewServer creates a Server and builds its routes.
func NewServer(cfg Config, deps Deps, opts ...Option) (*Server, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:       cfg,
		accounts:  deps.Accounts,
		sessions:  deps.Sessions,
		twoFactor: deps.TwoFactor,
		passkeys:  deps.Passkeys,
		oauth:     deps.OAuth,
		limiter:   deps.Limiter,
		logger:    deps.Logger,
		cookies:   cookieJar{secure: cfg.SecureCookies},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	handler, err := s.routes()
	if err != nil {
		return nil, err
	}
	s.handler = handler
	return s, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() (http.Handler, error) {
	keyOf, err := ratelimit.KeyFunc(s.cfg.RateLimitKey)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	if s.cfg.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.RequestID)
	r.Use(echoRequestID)
	if s.requests != nil {
		r.Use(countRequests(s.requests))
	}
	r.Use(middleware.Recoverer)
	r.Use(ratelimit.Middleware(s.limiter, keyOf, s.logger))
	r.Use(s.loadSession)

	authenticated := gate(twofactor.DestinationAuthenticated)
	verifying := gate(stepUp...)

	r.Route("/api", func(api chi.Router) {
		api.Post("/signup", s.handleSignup)
		api.Post("/login", s.handleLogin)
		api.Post("/logout", s.handleLogout)
		api.Post("/password/forgot", s.handleForgotPassword)
		api.Post("/password/reset", s.handleResetPassword)

		api.With(gate(append([]twofactor.Destination{
			twofactor.DestinationVerifyEmail,
			twofactor.DestinationAuthenticated,
		}, stepUp...)...)).Get("/session", s.handleSession)

		api.Group(func(g chi.Router) {
			g.Use(gate(twofactor.DestinationVerifyEmail))
			g.Post("/email/verify", s.handleVerifyEmail)
			g.Post("/email/resend", s.handleResendEmail)
		})

		api.Group(func(g chi.Router) {
			g.Use(authenticated)
			g.Post("/2fa/totp/setup", s.handleTOTPSetup)
			g.Post("/2fa/totp/setup/confirm", s.handleTOTPConfirm)
			g.Delete("/2fa/totp", s.handleTOTPDelete)
			g.Post("/2fa/skip-reminder", s.handleSkipReminder)
			g.Post("/webauthn/{kind}/register", s.handleWebAuthnRegister)
			g.Get("/webauthn/credentials", s.handleWebAuthnCredentials)
			g.Delete("/webauthn/credentials/{id}", s.handleWebAuthnDelete)
			g.Get("/protected", s.handleProtected)
		})

		api.Group(func(g chi.Router) {
			g.Use(verifying)
			g.Post("/2fa/totp/verify", s.handleTOTPVerify)
			g.Post("/2fa/reset", s.handleRecoveryReset)
		})

		// The challenge route admits per purpose.
		api.Get("/webauthn/challenge", s.handleWebAuthnChallenge)
		api.Post("/webauthn/challenge", s.handleWebAuthnChallenge)
		api.With(gate(append([]twofactor.Destination{twofactor.DestinationSignIn}, stepUp...)...)).
			Post("/webauthn/verify", s.handleWebAuthnVerify)
	})

	r.Get("/oauth/{provider}", s.handleOAuthBegin)
	r.Get("/oauth/{provider}/callback", s.handleOAuthCallback)

	return r, nil
}

// Start begins serving on the configured address. The returned channel
// receives a serve error, and is closed when the server stops.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("web server already running")
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.With("addr", s.cfg.Addr).Wrap(err)
	}
	s.listener = listener

	httpSrv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if serveErr := httpSrv.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			s.logger.Error("web server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	s.logger.Info("web server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.running.Store(true)
			return oops.With("operation", "shutdown_web_server").Wrap(err)
		}
	}
	s.logger.Info("web server stopped")
	return nil
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return oops.Code("REQUEST_BODY_EMPTY").Wrapf(auth.ErrInvalidInput, "request body is required")
		}
		return oops.Code("REQUEST_BODY_INVALID").Wrapf(auth.ErrInvalidInput, "request body is not valid JSON")
	}
	return nil
}
