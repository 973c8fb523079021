// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

// Package oauth signs users in with external identity providers using the
// authorization code flow with PKCE, and links those identities to local
// accounts.
package oauth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"golang.org/x/oauth2"

	"github.com/warden-auth/warden/internal/auth"
	"github.com/warden-auth/warden/internal/ephemeral"
	"github.com/warden-auth/warden/internal/observability"
)

// Defaults.
const (
	DefaultStateTTL        = 10 * time.Minute
	DefaultExchangeTimeout = 5 * time.Second
	stateBytes             = 32
)

// ConflictPolicy decides what happens when a new external identity reports
// the email of an existing local account.
type ConflictPolicy string

// Conflict policies.
const (
	// PolicyConfirm refuses and asks the user to sign in and link.
	PolicyConfirm ConflictPolicy = "confirm"

	// PolicyTrusted links automatically when the provider is trusted and
	// reports the email as verified.
	PolicyTrusted ConflictPolicy = "trusted"
)

// ParseConflictPolicy validates a configured policy.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch ConflictPolicy(s) {
	case PolicyConfirm, PolicyTrusted:
		return ConflictPolicy(s), nil
	case "":
		return PolicyConfirm, nil
	default:
		return "", oops.Code("OAUTH_INVALID_POLICY").With("policy", s).Errorf("unknown email conflict policy %q", s)
	}
}

// Config controls the linker.
type Config struct {
	StateTTL              time.Duration
	ExchangeTimeout       time.Duration
	Policy                ConflictPolicy
	TrustedEmailProviders []string
}

// Authorization is a started sign-in.
type Authorization struct {
	URL       string
	State     string
	ExpiresAt time.Time
}

// Result is a completed sign-in.
type Result struct {
	User    *auth.User
	Session *auth.Session
	Token   string

	// Created is set when a new local account was made.
	Created bool

	// Linked is set when the identity was attached to an existing account.
	Linked bool
}

type pendingAuthorization struct {
	Provider   string    `json:"provider"`
	Verifier   string    `json:"verifier"`
	LinkUserID ulid.ULID `json:"link_user_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Linker runs external sign-in and links identities to users.
type Linker struct {
	providers map[string]*Provider
	users     auth.UserRepository
	accounts  auth.OAuthAccountRepository
	tx        auth.Transactor
	sessions  *auth.SessionManager
	states    ephemeral.Store
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// LinkerOption configures a Linker.
type LinkerOption func(*Linker)

// WithLinkerClock overrides the time source.
func WithLinkerClock(now func() time.Time) LinkerOption {
	return func(l *Linker) {
		l.now = now
	}
}

// NewLinker creates a Linker serving providers.
func NewLinker(
	store auth.Store,
	sessions *auth.SessionManager,
	states ephemeral.Store,
	providers []*Provider,
	cfg Config,
	logger *slog.Logger,
	opts ...LinkerOption,
) (*Linker, error) {
	switch {
	case store.Users == nil:
		return nil, oops.Errorf("users repository is required")
	case store.OAuthAccounts == nil:
		return nil, oops.Errorf("oauth accounts repository is required")
	case store.Tx == nil:
		return nil, oops.Errorf("transactor is required")
	case sessions == nil:
		return nil, oops.Errorf("session manager is required")
	case states == nil:
		return nil, oops.Errorf("ephemeral store is required")
	case logger == nil:
		return nil, oops.Errorf("logger is required")
	}
	policy, err := ParseConflictPolicy(string(cfg.Policy))
	if err != nil {
		return nil, err
	}
	cfg.Policy = policy
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = DefaultStateTTL
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = DefaultExchangeTimeout
	}

	byName := make(map[string]*Provider, len(providers))
	for _, p := range providers {
		if p == nil || p.Name == "" || p.Exchanger == nil || p.Profiles == nil {
			return nil, oops.Code("OAUTH_PROVIDER_INVALID").Errorf("provider is incomplete")
		}
		byName[p.Name] = p
	}

	l := &Linker{
		providers: byName,
		users:     store.Users,
		accounts:  store.OAuthAccounts,
		tx:        store.Tx,
		sessions:  sessions,
		states:    states,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Providers returns the names of the configured providers.
func (l *Linker) Providers() []string {
	names := make([]string, 0, len(l.providers))
	for name := range l.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (l *Linker) provider(name string) (*Provider, error) {
	p, ok := l.providers[name]
	if !ok {
		return nil, oops.Code("OAUTH_UNKNOWN_PROVIDER").
			With("provider", name).
			Wrapf(auth.ErrNotFound, "provider %q is not configured", name)
	}
	return p, nil
}

func stateKey(state string) string {
	return ephemeral.Key("oauth-state", state)
}

func newState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", oops.Code("OAUTH_STATE_GENERATE_FAILED").Wrap(err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// BeginAuthorization starts a sign-in with provider. A non-zero linkUserID
// attaches the resulting identity to that signed-in user instead.
func (l *Linker) BeginAuthorization(ctx context.Context, provider string, linkUserID ulid.ULID) (*Authorization, error) {
	p, err := l.provider(provider)
	if err != nil {
		return nil, err
	}
	state, err := newState()
	if err != nil {
		return nil, err
	}
	pending := pendingAuthorization{
		Provider:   provider,
		Verifier:   oauth2.GenerateVerifier(),
		LinkUserID: linkUserID,
		ExpiresAt:  l.now().Add(l.cfg.StateTTL),
	}
	if err := ephemeral.PutJSON(ctx, l.states, stateKey(state), pending, l.cfg.StateTTL); err != nil {
		return nil, oops.Code("OAUTH_STATE_STORE_FAILED").With("provider", provider).Wrap(err)
	}
	return &Authorization{
		URL:       p.Exchanger.AuthCodeURL(state, pending.Verifier),
		State:     state,
		ExpiresAt: pending.ExpiresAt,
	}, nil
}

func stateMismatch(reason string) error {
	return oops.Code("OAUTH_STATE_MISMATCH").With("reason", reason).Wrapf(auth.ErrStateMismatch, "oauth state %s", reason)
}

// takeState checks state against the browser-bound value and consumes the
// pending authorization.
func (l *Linker) takeState(ctx context.Context, provider, state, boundState string) (*pendingAuthorization, error) {
	if state == "" || boundState == "" {
		return nil, stateMismatch("missing")
	}
	if subtle.ConstantTimeCompare([]byte(state), []byte(boundState)) != 1 {
		return nil, stateMismatch("not bound to this browser")
	}
	pending, err := ephemeral.TakeJSON[pendingAuthorization](ctx, l.states, stateKey(state))
	if errors.Is(err, ephemeral.ErrNotFound) {
		return nil, stateMismatch("unknown or already used")
	}
	if err != nil {
		return nil, oops.Code("OAUTH_STATE_LOAD_FAILED").Wrap(err)
	}
	if !l.now().Before(pending.ExpiresAt) {
		return nil, stateMismatch("expired")
	}
	if pending.Provider != provider {
		return nil, stateMismatch("issued for another provider")
	}
	return pending, nil
}

// CompleteAuthorization finishes a sign-in at the callback. state is the
// query value, boundState the value bound to the browser. Every path that
// succeeds ends with a new session.
func (l *Linker) CompleteAuthorization(ctx context.Context, provider, code, state, boundState string, meta auth.ClientMeta) (result *Result, err error) {
	defer func() {
		label := "success"
		if err != nil {
			label = auth.KindOf(err).String()
		}
		observability.RecordOAuthCallback(provider, label)
	}()

	p, err := l.provider(provider)
	if err != nil {
		return nil, err
	}
	pending, err := l.takeState(ctx, provider, state, boundState)
	if err != nil {
		l.logger.WarnContext(ctx, "oauth callback rejected", "provider", provider, "error", err)
		return nil, err
	}
	if code == "" {
		return nil, oops.Code("OAUTH_CODE_MISSING").Wrapf(auth.ErrInvalidInput, "authorization code is missing")
	}

	profile, err := l.fetchProfile(ctx, p, code, pending.Verifier)
	if err != nil {
		return nil, err
	}

	result, err = l.linkOrCreate(ctx, provider, profile, pending.LinkUserID)
	if err != nil {
		return nil, err
	}
	session, token, err := l.sessions.CreateSession(ctx, result.User.ID, meta, "oauth_"+provider)
	if err != nil {
		return nil, err
	}
	result.Session = session
	result.Token = token

	l.logger.InfoContext(ctx, "oauth sign-in",
		"provider", provider,
		"user_id", result.User.ID.String(),
		"created", result.Created,
		"linked", result.Linked)
	return result, nil
}

// fetchProfile exchanges code and reads the profile within the exchange
// timeout.
func (l *Linker) fetchProfile(ctx context.Context, p *Provider, code, verifier string) (*Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.ExchangeTimeout)
	defer cancel()

	providerError := func(op string, err error) error {
		builder := oops.Code("OAUTH_PROVIDER_ERROR").With("provider", p.Name).With("operation", op)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			builder = oops.Code("OAUTH_PROVIDER_TIMEOUT").With("provider", p.Name).With("operation", op)
		}
		return builder.Wrapf(auth.ErrExternalProvider, "%s: %s", op, err.Error())
	}

	token, err := p.Exchanger.Exchange(ctx, code, verifier)
	if err != nil {
		return nil, providerError("exchange", err)
	}
	profile, err := p.Profiles.FetchProfile(ctx, token)
	if err != nil {
		return nil, providerError("profile", err)
	}
	if profile.ProviderUserID == "" {
		return nil, providerError("profile", oops.Errorf("provider returned no user id"))
	}
	return profile, nil
}

func (l *Linker) trusted(provider string) bool {
	return l.cfg.Policy == PolicyTrusted && slices.Contains(l.cfg.TrustedEmailProviders, provider)
}

// linkOrCreate resolves the local user for profile in one transaction.
func (l *Linker) linkOrCreate(ctx context.Context, provider string, profile *Profile, linkUserID ulid.ULID) (*Result, error) {
	result := &Result{}
	linking := linkUserID.Compare(ulid.ULID{}) != 0
	now := l.now()

	err := l.tx.InTransaction(ctx, func(ctx context.Context) error {
		account, err := l.accounts.Get(ctx, provider, profile.ProviderUserID)
		switch {
		case err == nil:
			if linking && account.UserID != linkUserID {
				return oops.Code("OAUTH_IDENTITY_LINKED_ELSEWHERE").
					With("provider", provider).
					Wrapf(auth.ErrAccountLinkRequired, "identity is linked to another account")
			}
			result.User, err = l.users.GetByID(ctx, account.UserID)
			return err
		case !errors.Is(err, auth.ErrNotFound):
			return err
		}

		var user *auth.User
		switch {
		case linking:
			user, err = l.users.GetByID(ctx, linkUserID)
			if err != nil {
				return err
			}
			result.Linked = true
		default:
			user, err = l.resolveByEmail(ctx, provider, profile)
			if err != nil {
				return err
			}
			if user != nil {
				result.Linked = true
				break
			}
			user, err = auth.NewUser(profile.Email, "", profile.EmailVerified)
			if err != nil {
				return oops.Code("OAUTH_PROFILE_EMAIL_INVALID").
					With("provider", provider).
					Wrapf(auth.ErrExternalProvider, "provider did not share a usable email")
			}
			if err := l.users.Create(ctx, user); err != nil {
				return err
			}
			result.Created = true
		}

		if err := l.accounts.Create(ctx, &auth.OAuthAccount{
			Provider:       provider,
			ProviderUserID: profile.ProviderUserID,
			UserID:         user.ID,
			Email:          profile.Email,
			CreatedAt:      now,
		}); err != nil {
			return err
		}
		result.User = user
		return nil
	})
	if err != nil {
		return nil, oops.With("provider", provider).Wrap(err)
	}
	return result, nil
}

// resolveByEmail returns the existing user owning profile's email when the
// conflict policy allows linking to it, nil when no user owns it, and
// ErrAccountLinkRequired otherwise.
func (l *Linker) resolveByEmail(ctx context.Context, provider string, profile *Profile) (*auth.User, error) {
	if profile.Email == "" {
		return nil, nil
	}
	existing, err := l.users.GetByEmail(ctx, profile.Email)
	if errors.Is(err, auth.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if l.trusted(provider) && profile.EmailVerified {
		return existing, nil
	}
	return nil, oops.Code("OAUTH_EMAIL_CONFLICT").
		With("provider", provider).
		Wrapf(auth.ErrAccountLinkRequired, "an account with this email exists; sign in and link %s from settings", provider)
}
