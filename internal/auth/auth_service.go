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

	"github.com/warden-auth/warden/internal/ephemeral"
	"github.com/warden-auth/warden/pkg/errutil"
)

// Service provides password accounts: registration, sign-in, email
// verification and password reset.
type Service struct {
	users    UserRepository
	resets   PasswordResetRepository
	sessions *SessionManager
	hasher   PasswordHasher
	codes    ephemeral.Store
	mailer   Mailer
	logger   *slog.Logger
	now      func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceClock overrides the time source.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// NewAuthService creates a Service.
func NewAuthService(
	store Store,
	sessions *SessionManager,
	hasher PasswordHasher,
	codes ephemeral.Store,
	mailer Mailer,
	logger *slog.Logger,
	opts ...ServiceOption,
) (*Service, error) {
	switch {
	case store.Users == nil:
		return nil, oops.Errorf("users repository is required")
	case store.PasswordResets == nil:
		return nil, oops.Errorf("password resets repository is required")
	case sessions == nil:
		return nil, oops.Errorf("session manager is required")
	case hasher == nil:
		return nil, oops.Errorf("password hasher is required")
	case codes == nil:
		return nil, oops.Errorf("ephemeral store is required")
	case mailer == nil:
		return nil, oops.Errorf("mailer is required")
	case logger == nil:
		return nil, oops.Errorf("logger is required")
	}
	s := &Service{
		users:    store.Users,
		resets:   store.PasswordResets,
		sessions: sessions,
		hasher:   hasher,
		codes:    codes,
		mailer:   mailer,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// dummyPasswordHash is verified when the account does not exist so that
// unknown and known emails take the same time.
//
//nolint:gosec // G101: intentionally fake hash, not a credential.
const dummyPasswordHash = "$argon2id$v=19$m=65536,t=1,p=4$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// Register creates a password account, sends an email verification code and
// signs the user in with an unverified session.
func (s *Service) Register(ctx context.Context, email, password string, meta ClientMeta) (*User, *Session, string, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, nil, "", err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, nil, "", oops.Code("AUTH_REGISTER_FAILED").With("operation", "hash password").Wrap(err)
	}
	user, err := NewUser(email, hash, false)
	if err != nil {
		return nil, nil, "", err
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			return nil, nil, "", oops.Code("AUTH_EMAIL_TAKEN").Wrap(err)
		}
		return nil, nil, "", oops.Code("AUTH_REGISTER_FAILED").With("operation", "create user").Wrap(err)
	}

	if err := s.IssueEmailVerification(ctx, user); err != nil {
		// The account exists; the user can ask for another code.
		errutil.LogError(s.logger, "email verification not sent", err)
	}

	session, token, err := s.sessions.CreateSession(ctx, user.ID, meta, "password")
	if err != nil {
		return nil, nil, "", err
	}
	return user, session, token, nil
}

// Login authenticates with email and password and creates an unverified
// session. Unknown emails and wrong passwords are indistinguishable.
func (s *Service) Login(ctx context.Context, email, password string, meta ClientMeta) (*Session, string, error) {
	invalid := oops.Code("AUTH_INVALID_CREDENTIALS").Wrapf(ErrInvalidCredentials, "invalid email or password")

	user, lookupErr := s.users.GetByEmail(ctx, email)
	targetHash := dummyPasswordHash
	exists := false
	switch {
	case lookupErr == nil && user.HasPassword():
		targetHash = user.PasswordHash
		exists = true
	case lookupErr == nil, errors.Is(lookupErr, ErrNotFound):
	default:
		return nil, "", oops.Code("AUTH_LOGIN_FAILED").With("operation", "get user by email").Wrap(lookupErr)
	}

	valid, verifyErr := s.hasher.Verify(password, targetHash)
	if verifyErr != nil {
		if !exists {
			return nil, "", invalid
		}
		return nil, "", oops.Code("AUTH_LOGIN_FAILED").With("operation", "verify password").Wrap(verifyErr)
	}

	now := s.now()
	if !exists || !valid {
		if exists {
			user.RecordFailure(now)
			if err := s.users.UpdateLoginState(ctx, user); err != nil {
				errutil.LogError(s.logger, "failed to record login failure", err)
			}
		}
		return nil, "", invalid
	}

	// Lockout is checked after verification to keep timing uniform.
	if user.IsLockedAt(now) {
		return nil, "", oops.Code("AUTH_ACCOUNT_LOCKED").
			With("locked_until", *user.LockedUntil).
			Wrapf(ErrAccountLocked, "account is temporarily locked")
	}

	if user.FailedAttempts > 0 || user.LockedUntil != nil {
		user.RecordSuccess(now)
		if err := s.users.UpdateLoginState(ctx, user); err != nil {
			errutil.LogError(s.logger, "failed to reset login failures", err)
		}
	}
	if s.hasher.NeedsRehash(user.PasswordHash) {
		if newHash, err := s.hasher.Hash(password); err == nil {
			if err := s.users.UpdatePassword(ctx, user.ID, newHash); err != nil {
				errutil.LogError(s.logger, "failed to upgrade password hash", err)
			}
		}
	}

	return s.sessions.CreateSession(ctx, user.ID, meta, "password")
}

// Logout invalidates the session. Unknown sessions are not an error.
func (s *Service) Logout(ctx context.Context, sessionID ulid.ULID) error {
	return s.sessions.InvalidateSession(ctx, sessionID)
}
