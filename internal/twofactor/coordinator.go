// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

// Package twofactor coordinates second-factor enrollment and step-up
// verification across TOTP, passkeys and security keys.
package twofactor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/samber/oops"

	"github.com/warden-auth/warden/internal/auth"
	"github.com/warden-auth/warden/internal/ephemeral"
	"github.com/warden-auth/warden/internal/passkey"
)

// Defaults.
const (
	DefaultIssuer     = "Warden"
	DefaultPendingTTL = 10 * time.Minute
)

// Config controls enrollment.
type Config struct {
	// Issuer is shown by authenticator apps next to the account name.
	Issuer string

	// PendingTTL bounds how long a TOTP secret may wait for confirmation.
	PendingTTL time.Duration
}

// Enrollment is the outcome of a completed enrollment.
type Enrollment struct {
	// RecoveryCode is set only when the enrolled factor is the user's
	// first. It is never retrievable again.
	RecoveryCode string
}

// Coordinator drives the two-factor state machine for a session.
type Coordinator struct {
	users    auth.UserRepository
	totp     auth.TOTPRepository
	webauthn auth.WebAuthnCredentialRepository
	tx       auth.Transactor
	sessions *auth.SessionManager
	engine   *passkey.Engine
	sealer   *auth.SecretSealer
	pending  ephemeral.Store
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source used for TOTP validation and expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(
	store auth.Store,
	sessions *auth.SessionManager,
	engine *passkey.Engine,
	sealer *auth.SecretSealer,
	pending ephemeral.Store,
	cfg Config,
	logger *slog.Logger,
	opts ...Option,
) (*Coordinator, error) {
	if err := store.Validate(); err != nil {
		return nil, err
	}
	switch {
	case sessions == nil:
		return nil, oops.Errorf("session manager is required")
	case engine == nil:
		return nil, oops.Errorf("webauthn engine is required")
	case sealer == nil:
		return nil, oops.Errorf("secret sealer is required")
	case pending == nil:
		return nil, oops.Errorf("ephemeral store is required")
	case logger == nil:
		return nil, oops.Errorf("logger is required")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = DefaultPendingTTL
	}
	c := &Coordinator{
		users:    store.Users,
		totp:     store.TOTP,
		webauthn: store.WebAuthn,
		tx:       store.Tx,
		sessions: sessions,
		engine:   engine,
		sealer:   sealer,
		pending:  pending,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func checkOwner(user *auth.User, session *auth.Session) error {
	if user == nil || session == nil || session.UserID != user.ID {
		return oops.Code("TWO_FACTOR_NO_SESSION").Wrapf(auth.ErrInvalidSession, "a signed-in session is required")
	}
	return nil
}

// requireEnrollable refuses enrollment from a session that has a factor
// available but has not stepped up.
func requireEnrollable(user *auth.User, session *auth.Session) error {
	if err := checkOwner(user, session); err != nil {
		return err
	}
	if StateOf(user, session) == StateFactorRegisteredUnverified {
		return oops.Code("TWO_FACTOR_STEP_UP_REQUIRED").
			With("user_id", user.ID.String()).
			Wrapf(auth.ErrStepUpRequired, "verify an existing factor before adding another")
	}
	return nil
}

func requireVerified(user *auth.User, session *auth.Session) error {
	if err := checkOwner(user, session); err != nil {
		return err
	}
	if StateOf(user, session) != StateFactorVerified {
		return oops.Code("TWO_FACTOR_STEP_UP_REQUIRED").
			With("user_id", user.ID.String()).
			Wrapf(auth.ErrStepUpRequired, "session has not completed two-factor verification")
	}
	return nil
}

// enroll runs persist in a transaction and issues a recovery code when it
// adds the user's first factor.
func (c *Coordinator) enroll(ctx context.Context, user *auth.User, persist func(ctx context.Context) error) (*Enrollment, error) {
	result := &Enrollment{}
	err := c.tx.InTransaction(ctx, func(ctx context.Context) error {
		current, err := c.users.GetByID(ctx, user.ID)
		if err != nil {
			return err
		}
		first := !current.Registered2FA()
		if err := persist(ctx); err != nil {
			return err
		}
		if !first {
			return nil
		}
		code, hash, err := GenerateRecoveryCode()
		if err != nil {
			return err
		}
		swapped, err := c.users.SetRecoveryCodeHash(ctx, user.ID, current.RecoveryCodeHash, hash)
		if err != nil {
			return err
		}
		// A concurrent first enrollment already issued the code.
		if swapped {
			result.RecoveryCode = code
		}
		return nil
	})
	if err != nil {
		return nil, oops.With("user_id", user.ID.String()).Wrap(err)
	}
	if result.RecoveryCode != "" {
		c.logger.InfoContext(ctx, "first second factor enrolled", "user_id", user.ID.String())
	}
	return result, nil
}

// markVerified raises session to FactorVerified.
func (c *Coordinator) markVerified(ctx context.Context, session *auth.Session) error {
	if err := c.sessions.MarkTwoFactorVerified(ctx, session.ID); err != nil {
		return err
	}
	session.TwoFactorVerified = true
	return nil
}

// factorCount returns how many factors user has registered.
func (c *Coordinator) factorCount(ctx context.Context, user *auth.User) (int, error) {
	creds, err := c.webauthn.ListByUser(ctx, user.ID, "")
	if err != nil {
		return 0, err
	}
	n := len(creds)
	if user.RegisteredTOTP {
		n++
	}
	return n, nil
}

func lastFactorError(user *auth.User) error {
	return oops.Code("TWO_FACTOR_LAST_FACTOR").
		With("user_id", user.ID.String()).
		Wrapf(auth.ErrInvalidInput, "the last second factor cannot be removed; reset with a recovery code instead")
}

// ResetWithRecoveryCode removes every factor of user after checking the
// recovery code, issues a new code and signs out the user's other sessions.
// It is meant for sessions stuck at step-up. The code is checked against the
// stored hash inside the transaction, so each code resets at most once.
func (c *Coordinator) ResetWithRecoveryCode(ctx context.Context, user *auth.User, session *auth.Session, code string) (string, error) {
	if err := checkOwner(user, session); err != nil {
		return "", err
	}

	newCode, hash, err := GenerateRecoveryCode()
	if err != nil {
		return "", err
	}
	var current *auth.User
	err = c.tx.InTransaction(ctx, func(ctx context.Context) error {
		var err error
		current, err = c.users.GetByID(ctx, user.ID)
		if err != nil {
			return err
		}
		if state := StateOf(current, session); state != StateFactorRegisteredUnverified {
			return oops.Code("TWO_FACTOR_RESET_NOT_NEEDED").
				With("state", state.String()).
				Wrapf(auth.ErrInvalidInput, "recovery reset is only available before step-up")
		}
		if !MatchRecoveryCode(code, current.RecoveryCodeHash) {
			return recoveryCodeMismatch()
		}
		swapped, err := c.users.SetRecoveryCodeHash(ctx, user.ID, current.RecoveryCodeHash, hash)
		if err != nil {
			return err
		}
		if !swapped {
			return recoveryCodeMismatch()
		}
		if err := c.totp.Delete(ctx, user.ID); err != nil {
			return err
		}
		if err := c.webauthn.DeleteByUser(ctx, user.ID); err != nil {
			return err
		}
		_, err = c.sessions.InvalidateUserSessions(ctx, user.ID, session.ID)
		return err
	})
	switch {
	case errors.Is(err, auth.ErrVerificationFailed):
		c.logger.WarnContext(ctx, "recovery code rejected", "user_id", user.ID.String())
		return "", err
	case errors.Is(err, auth.ErrInvalidInput):
		return "", err
	case err != nil:
		return "", oops.Code("TWO_FACTOR_RESET_FAILED").With("user_id", user.ID.String()).Wrap(err)
	}

	*user = *current
	user.RegisteredTOTP = false
	user.RegisteredPasskey = false
	user.RegisteredSecurityKey = false
	user.RecoveryCodeHash = hash
	c.logger.WarnContext(ctx, "second factors reset with recovery code", "user_id", user.ID.String())
	return newCode, nil
}

func recoveryCodeMismatch() error {
	return oops.Code("RECOVERY_CODE_INVALID").Wrapf(auth.ErrVerificationFailed, "recovery code does not match")
}
