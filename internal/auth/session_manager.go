// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/warden-auth/warden/internal/observability"
)

// SessionConfig controls session lifetime.
type SessionConfig struct {
	// TTL is the lifetime granted on creation and on renewal.
	TTL time.Duration

	// RenewWithin renews a session whose remaining lifetime is below it.
	RenewWithin time.Duration

	// LastSeenInterval throttles LastSeenAt writes.
	LastSeenInterval time.Duration
}

// DefaultSessionConfig returns the production session lifetimes.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		TTL:              DefaultSessionTTL,
		RenewWithin:      DefaultSessionRenewWithin,
		LastSeenInterval: time.Minute,
	}
}

// Validation is the result of a successful ValidateSession call.
type Validation struct {
	Session *Session
	User    *User

	// Renewed is set when the expiry moved; the caller must reissue the cookie.
	Renewed bool
}

// SessionManager issues, validates and invalidates sessions.
type SessionManager struct {
	users    UserRepository
	sessions SessionRepository
	tx       Transactor
	cfg      SessionConfig
	logger   *slog.Logger
	now      func() time.Time
}

// SessionManagerOption configures a SessionManager.
type SessionManagerOption func(*SessionManager)

// WithSessionClock overrides the time source.
func WithSessionClock(now func() time.Time) SessionManagerOption {
	return func(m *SessionManager) {
		m.now = now
	}
}

// NewSessionManager creates a SessionManager over store.
func NewSessionManager(store Store, cfg SessionConfig, logger *slog.Logger, opts ...SessionManagerOption) (*SessionManager, error) {
	if store.Users == nil {
		return nil, oops.Errorf("users repository is required")
	}
	if store.Sessions == nil {
		return nil, oops.Errorf("sessions repository is required")
	}
	if store.Tx == nil {
		return nil, oops.Errorf("transactor is required")
	}
	if logger == nil {
		return nil, oops.Errorf("logger is required")
	}
	if cfg.TTL <= 0 {
		return nil, oops.Code("SESSION_CONFIG_INVALID").Errorf("session TTL must be positive")
	}
	if cfg.RenewWithin < 0 || cfg.RenewWithin > cfg.TTL {
		return nil, oops.Code("SESSION_CONFIG_INVALID").
			With("renew_within", cfg.RenewWithin).
			Errorf("renew window must be between 0 and the session TTL")
	}

	m := &SessionManager{
		users:    store.Users,
		sessions: store.Sessions,
		tx:       store.Tx,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// CreateSession issues a new, unverified session for userID and returns it
// with the plaintext token for the cookie. method labels the metric.
func (m *SessionManager) CreateSession(ctx context.Context, userID ulid.ULID, meta ClientMeta, method string) (*Session, string, error) {
	return m.createSession(ctx, userID, meta, method, false)
}

// CreateVerifiedSession issues a session that starts at the verified
// assurance level, for sign-ins where one credential proves both factors.
// The user must have a registered factor; the check and the insert share a
// transaction.
func (m *SessionManager) CreateVerifiedSession(ctx context.Context, userID ulid.ULID, meta ClientMeta, method string) (*Session, string, error) {
	return m.createSession(ctx, userID, meta, method, true)
}

func (m *SessionManager) createSession(ctx context.Context, userID ulid.ULID, meta ClientMeta, method string, verified bool) (*Session, string, error) {
	token, tokenHash, err := GenerateSessionToken()
	if err != nil {
		return nil, "", oops.Code("SESSION_CREATE_FAILED").Wrap(err)
	}

	now := m.now()
	session, err := NewSession(userID, tokenHash, meta, now, now.Add(m.cfg.TTL))
	if err != nil {
		return nil, "", err
	}
	session.TwoFactorVerified = verified
	err = m.tx.InTransaction(ctx, func(ctx context.Context) error {
		if verified {
			user, err := m.users.GetByID(ctx, userID)
			if err != nil {
				return err
			}
			if !user.Registered2FA() {
				return oops.Code("TWO_FACTOR_NOT_REGISTERED").
					With("user_id", userID.String()).
					Wrap(ErrNoFactorRegistered)
			}
		}
		return m.sessions.Create(ctx, session)
	})
	if err != nil {
		return nil, "", oops.Code("SESSION_CREATE_FAILED").
			With("user_id", userID.String()).
			Wrap(err)
	}

	observability.RecordSessionCreated(method)
	m.logger.InfoContext(ctx, "session created",
		"session_id", session.ID.String(),
		"user_id", userID.String(),
		"method", method)
	return session, token, nil
}

// ValidateSession resolves a bearer token. Unknown and expired tokens yield
// ErrInvalidSession; expired rows are deleted. A session close to expiry is
// renewed and reported through Validation.Renewed.
func (m *SessionManager) ValidateSession(ctx context.Context, token string) (*Validation, error) {
	if token == "" {
		return nil, oops.Code("SESSION_INVALID").Wrapf(ErrInvalidSession, "session token is empty")
	}

	var (
		result  *Validation
		expired bool
	)
	err := m.tx.InTransaction(ctx, func(ctx context.Context) error {
		session, err := m.sessions.GetByTokenHash(ctx, HashSessionToken(token))
		if err != nil {
			return err
		}

		now := m.now()
		if session.IsExpiredAt(now) {
			expired = true
			if delErr := m.sessions.Delete(ctx, session.ID); delErr != nil && !errors.Is(delErr, ErrNotFound) {
				return delErr
			}
			return nil
		}

		user, err := m.users.GetByID(ctx, session.UserID)
		if err != nil {
			return err
		}

		renewed := false
		switch {
		case session.ExpiresAt.Sub(now) < m.cfg.RenewWithin:
			expiresAt := now.Add(m.cfg.TTL)
			if err := m.sessions.Renew(ctx, session.ID, expiresAt, now); err != nil {
				return err
			}
			session.ExpiresAt = expiresAt
			session.LastSeenAt = now
			renewed = true
		case now.Sub(session.LastSeenAt) >= m.cfg.LastSeenInterval:
			if err := m.sessions.UpdateLastSeen(ctx, session.ID, now); err != nil {
				return err
			}
			session.LastSeenAt = now
		}

		result = &Validation{Session: session, User: user, Renewed: renewed}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oops.Code("SESSION_INVALID").Wrapf(ErrInvalidSession, "session not found")
		}
		return nil, oops.Code("SESSION_VALIDATE_FAILED").Wrap(err)
	}
	if expired {
		return nil, oops.Code("SESSION_EXPIRED").Wrapf(ErrInvalidSession, "session has expired")
	}
	if result.Renewed {
		m.logger.DebugContext(ctx, "session renewed",
			"session_id", result.Session.ID.String(),
			"expires_at", result.Session.ExpiresAt)
	}
	return result, nil
}

// MarkTwoFactorVerified raises a session to the verified assurance level.
// The owning user must have at least one registered factor.
func (m *SessionManager) MarkTwoFactorVerified(ctx context.Context, sessionID ulid.ULID) error {
	err := m.tx.InTransaction(ctx, func(ctx context.Context) error {
		session, err := m.sessions.GetByID(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.IsExpiredAt(m.now()) {
			return oops.Code("SESSION_EXPIRED").Wrapf(ErrInvalidSession, "session has expired")
		}
		user, err := m.users.GetByID(ctx, session.UserID)
		if err != nil {
			return err
		}
		if !user.Registered2FA() {
			return oops.Code("TWO_FACTOR_NOT_REGISTERED").
				With("user_id", user.ID.String()).
				Wrap(ErrNoFactorRegistered)
		}
		return m.sessions.SetTwoFactorVerified(ctx, sessionID)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code("SESSION_INVALID").
				With("session_id", sessionID.String()).
				Wrapf(ErrInvalidSession, "session not found")
		}
		return oops.With("session_id", sessionID.String()).Wrap(err)
	}
	return nil
}

// InvalidateSession deletes a session. Missing sessions are not an error.
func (m *SessionManager) InvalidateSession(ctx context.Context, sessionID ulid.ULID) error {
	if err := m.sessions.Delete(ctx, sessionID); err != nil && !errors.Is(err, ErrNotFound) {
		return oops.Code("SESSION_INVALIDATE_FAILED").
			With("session_id", sessionID.String()).
			Wrap(err)
	}
	return nil
}

// InvalidateUserSessions deletes every session of userID except keep.
func (m *SessionManager) InvalidateUserSessions(ctx context.Context, userID, keep ulid.ULID) (int64, error) {
	n, err := m.sessions.DeleteByUser(ctx, userID, keep)
	if err != nil {
		return 0, oops.Code("SESSION_INVALIDATE_FAILED").
			With("user_id", userID.String()).
			Wrap(err)
	}
	return n, nil
}

// DeleteExpired removes expired sessions and returns how many were removed.
func (m *SessionManager) DeleteExpired(ctx context.Context) (int64, error) {
	n, err := m.sessions.DeleteExpired(ctx, m.now())
	if err != nil {
		return 0, oops.Code("SESSION_SWEEP_FAILED").Wrap(err)
	}
	return n, nil
}

// RunSweeper calls DeleteExpired every interval until ctx is done.
func (m *SessionManager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.DeleteExpired(ctx)
			if err != nil {
				m.logger.WarnContext(ctx, "expired session sweep failed", "error", err)
				continue
			}
			if n > 0 {
				m.logger.InfoContext(ctx, "expired sessions removed", "count", n)
			}
		}
	}
}
