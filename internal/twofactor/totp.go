// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package twofactor

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/samber/oops"

	"github.com/warden-auth/warden/internal/auth"
	"github.com/warden-auth/warden/internal/ephemeral"
	"github.com/warden-auth/warden/internal/observability"
)

// TOTP parameters understood by every common authenticator app.
const (
	TOTPPeriod     = 30
	TOTPSecretSize = 20
	TOTPSkew       = 1
)

var totpValidateOpts = totp.ValidateOpts{
	Period:    TOTPPeriod,
	Skew:      TOTPSkew,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// TOTPSetup is a generated but unconfirmed TOTP secret.
type TOTPSetup struct {
	Secret    string // base32
	URL       string // otpauth:// URI for QR codes
	ExpiresAt time.Time
}

type pendingTOTP struct {
	Sealed    []byte    `json:"sealed"`
	ExpiresAt time.Time `json:"expires_at"`
}

func pendingTOTPKey(userID ulid.ULID) string {
	return ephemeral.Key("totp-enroll", userID.String())
}

// MatchTOTP checks code against a base32 secret at t with a skew of one
// period either side and returns the time step the code was generated for.
func MatchTOTP(code, secret string, t time.Time) (int64, bool) {
	code = strings.ReplaceAll(strings.TrimSpace(code), " ", "")
	opts := totpValidateOpts
	opts.Skew = 0
	current := t.Unix() / TOTPPeriod
	for step := current + TOTPSkew; step >= current-TOTPSkew; step-- {
		ok, err := totp.ValidateCustom(code, secret, time.Unix(step*TOTPPeriod, 0).UTC(), opts)
		if err == nil && ok {
			return step, true
		}
	}
	return 0, false
}

// BeginTOTPEnrollment generates a secret and keeps it pending until
// CompleteTOTPEnrollment confirms a code from it. A newer setup replaces an
// older pending one.
func (c *Coordinator) BeginTOTPEnrollment(ctx context.Context, user *auth.User, session *auth.Session) (*TOTPSetup, error) {
	if err := requireEnrollable(user, session); err != nil {
		return nil, err
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      c.cfg.Issuer,
		AccountName: user.Email,
		Period:      TOTPPeriod,
		SecretSize:  TOTPSecretSize,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, oops.Code("TOTP_GENERATE_FAILED").Wrap(err)
	}
	sealed, err := c.sealer.Seal([]byte(key.Secret()), user.ID[:])
	if err != nil {
		return nil, err
	}
	expiresAt := c.now().Add(c.cfg.PendingTTL)
	if err := ephemeral.PutJSON(ctx, c.pending, pendingTOTPKey(user.ID), pendingTOTP{Sealed: sealed, ExpiresAt: expiresAt}, c.cfg.PendingTTL); err != nil {
		return nil, oops.Code("TOTP_PENDING_STORE_FAILED").With("user_id", user.ID.String()).Wrap(err)
	}
	return &TOTPSetup{Secret: key.Secret(), URL: key.URL(), ExpiresAt: expiresAt}, nil
}

// CompleteTOTPEnrollment confirms the pending secret with code and stores
// it, replacing any earlier secret. A wrong code leaves the setup pending.
func (c *Coordinator) CompleteTOTPEnrollment(ctx context.Context, user *auth.User, session *auth.Session, code string) (*Enrollment, error) {
	if err := requireEnrollable(user, session); err != nil {
		return nil, err
	}
	key := pendingTOTPKey(user.ID)
	pending, err := ephemeral.TakeJSON[pendingTOTP](ctx, c.pending, key)
	if err != nil {
		if errors.Is(err, ephemeral.ErrNotFound) {
			return nil, oops.Code("TOTP_NO_PENDING_SETUP").Wrapf(auth.ErrChallengeInvalid, "no pending TOTP setup")
		}
		return nil, oops.Code("TOTP_ENROLL_FAILED").Wrap(err)
	}
	now := c.now()
	if !now.Before(pending.ExpiresAt) {
		return nil, oops.Code("TOTP_SETUP_EXPIRED").Wrapf(auth.ErrChallengeInvalid, "TOTP setup expired")
	}
	secret, err := c.sealer.Open(pending.Sealed, user.ID[:])
	if err != nil {
		return nil, oops.Code("TOTP_ENROLL_FAILED").Wrap(err)
	}

	step, ok := MatchTOTP(code, string(secret), now)
	if !ok {
		if err := ephemeral.PutJSON(ctx, c.pending, key, pending, pending.ExpiresAt.Sub(now)); err != nil {
			c.logger.WarnContext(ctx, "failed to restore pending TOTP setup", "user_id", user.ID.String(), "error", err)
		}
		observability.RecordTwoFactor("totp_enroll", "failure")
		return nil, oops.Code("TOTP_CODE_INVALID").Wrapf(auth.ErrVerificationFailed, "code does not match the new secret")
	}

	enrollment, err := c.enroll(ctx, user, func(ctx context.Context) error {
		return c.totp.Upsert(ctx, &auth.TOTPCredential{UserID: user.ID, Secret: pending.Sealed, CreatedAt: now, LastUsedStep: step})
	})
	if err != nil {
		return nil, err
	}
	user.RegisteredTOTP = true
	observability.RecordTwoFactor("totp_enroll", "success")
	c.logger.InfoContext(ctx, "totp enrolled", "user_id", user.ID.String())
	return enrollment, nil
}

// VerifyTOTP checks code against the user's stored secret and marks the
// session verified. Each code is accepted once: a code from the last
// accepted time step or an earlier one is refused.
func (c *Coordinator) VerifyTOTP(ctx context.Context, user *auth.User, session *auth.Session, code string) error {
	if err := checkOwner(user, session); err != nil {
		return err
	}
	cred, err := c.totp.Get(ctx, user.ID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return oops.Code("TOTP_NOT_REGISTERED").Wrapf(auth.ErrNoFactorRegistered, "no TOTP secret registered")
		}
		return oops.Code("TOTP_VERIFY_FAILED").Wrap(err)
	}
	secret, err := c.sealer.Open(cred.Secret, user.ID[:])
	if err != nil {
		return oops.Code("TOTP_VERIFY_FAILED").With("user_id", user.ID.String()).Wrap(err)
	}
	step, ok := MatchTOTP(code, string(secret), c.now())
	if !ok {
		observability.RecordTwoFactor("totp", "failure")
		return oops.Code("TOTP_CODE_INVALID").Wrapf(auth.ErrVerificationFailed, "code does not match")
	}
	if step <= cred.LastUsedStep {
		return c.totpReused(ctx, user)
	}
	err = c.tx.InTransaction(ctx, func(ctx context.Context) error {
		advanced, err := c.totp.AdvanceStep(ctx, user.ID, step)
		if err != nil {
			return err
		}
		if !advanced {
			return errTOTPReused
		}
		return c.sessions.MarkTwoFactorVerified(ctx, session.ID)
	})
	if errors.Is(err, errTOTPReused) {
		return c.totpReused(ctx, user)
	}
	if err != nil {
		return err
	}
	session.TwoFactorVerified = true
	observability.RecordTwoFactor("totp", "success")
	return nil
}

var errTOTPReused = errors.New("totp code already used")

func (c *Coordinator) totpReused(ctx context.Context, user *auth.User) error {
	observability.RecordTwoFactor("totp", "reused")
	c.logger.WarnContext(ctx, "totp code reused", "user_id", user.ID.String())
	return oops.Code("TOTP_CODE_REUSED").Wrapf(auth.ErrVerificationFailed, "code has already been used")
}

// RemoveTOTP deletes the user's TOTP secret. The session must be verified
// and another factor must remain.
func (c *Coordinator) RemoveTOTP(ctx context.Context, user *auth.User, session *auth.Session) error {
	if err := requireVerified(user, session); err != nil {
		return err
	}
	if !user.RegisteredTOTP {
		return oops.Code("TOTP_NOT_REGISTERED").Wrapf(auth.ErrNotFound, "no TOTP secret registered")
	}
	n, err := c.factorCount(ctx, user)
	if err != nil {
		return oops.Code("TOTP_REMOVE_FAILED").Wrap(err)
	}
	if n <= 1 {
		return lastFactorError(user)
	}
	if err := c.totp.Delete(ctx, user.ID); err != nil {
		return oops.Code("TOTP_REMOVE_FAILED").With("user_id", user.ID.String()).Wrap(err)
	}
	user.RegisteredTOTP = false
	c.logger.InfoContext(ctx, "totp removed", "user_id", user.ID.String())
	return nil
}
