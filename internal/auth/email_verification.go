// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/warden-auth/warden/internal/ephemeral"
)

// Email verification settings.
const (
	EmailCodeLength      = 8
	EmailCodeTTL         = 10 * time.Minute
	EmailCodeMaxAttempts = 5
)

// Crockford-style alphabet without easily confused characters.
const emailCodeAlphabet = "ABCDEFGHJKMNPQRSTVWXYZ23456789"

type pendingEmailCode struct {
	Email     string    `json:"email"`
	CodeHash  string    `json:"code_hash"`
	Attempts  int       `json:"attempts"`
	ExpiresAt time.Time `json:"expires_at"`
}

func emailCodeKey(userID ulid.ULID) string {
	return ephemeral.Key("email-verify", userID.String())
}

func generateEmailCode() (string, error) {
	buf := make([]byte, EmailCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", oops.Code("EMAIL_CODE_GENERATE_FAILED").Wrap(err)
	}
	var sb strings.Builder
	for _, b := range buf {
		sb.WriteByte(emailCodeAlphabet[int(b)%len(emailCodeAlphabet)])
	}
	return sb.String(), nil
}

// IssueEmailVerification sends a fresh verification code, replacing any
// outstanding one.
func (s *Service) IssueEmailVerification(ctx context.Context, user *User) error {
	if user.EmailVerified {
		return nil
	}
	code, err := generateEmailCode()
	if err != nil {
		return err
	}
	pending := pendingEmailCode{
		Email:     user.Email,
		CodeHash:  HashSessionToken(code),
		ExpiresAt: s.now().Add(EmailCodeTTL),
	}
	if err := ephemeral.PutJSON(ctx, s.codes, emailCodeKey(user.ID), pending, EmailCodeTTL); err != nil {
		return oops.Code("EMAIL_VERIFY_ISSUE_FAILED").With("user_id", user.ID.String()).Wrap(err)
	}
	if err := s.mailer.Send(ctx, Message{Kind: MessageEmailVerification, To: user.Email, Secret: code}); err != nil {
		return oops.Code("EMAIL_VERIFY_SEND_FAILED").With("user_id", user.ID.String()).Wrap(err)
	}
	return nil
}

// VerifyEmail checks code against the outstanding verification for user and
// marks the email verified. A wrong code counts against a small attempt
// budget; once exhausted a new code must be requested.
func (s *Service) VerifyEmail(ctx context.Context, user *User, code string) error {
	if user.EmailVerified {
		return nil
	}
	key := emailCodeKey(user.ID)
	pending, err := ephemeral.TakeJSON[pendingEmailCode](ctx, s.codes, key)
	if err != nil {
		if errors.Is(err, ephemeral.ErrNotFound) {
			return oops.Code("EMAIL_CODE_INVALID").Wrapf(ErrVerificationFailed, "no outstanding verification code")
		}
		return oops.Code("EMAIL_VERIFY_FAILED").Wrap(err)
	}

	normalized := strings.ToUpper(strings.TrimSpace(code))
	match := subtle.ConstantTimeCompare([]byte(HashSessionToken(normalized)), []byte(pending.CodeHash)) == 1
	if !match || pending.Email != user.Email {
		pending.Attempts++
		remaining := pending.ExpiresAt.Sub(s.now())
		if pending.Attempts < EmailCodeMaxAttempts && remaining > 0 {
			if err := ephemeral.PutJSON(ctx, s.codes, key, pending, remaining); err != nil {
				return oops.Code("EMAIL_VERIFY_FAILED").Wrap(err)
			}
		}
		return oops.Code("EMAIL_CODE_INVALID").
			With("attempts", pending.Attempts).
			Wrapf(ErrVerificationFailed, "verification code does not match")
	}

	if err := s.users.MarkEmailVerified(ctx, user.ID); err != nil {
		return oops.Code("EMAIL_VERIFY_FAILED").With("user_id", user.ID.String()).Wrap(err)
	}
	user.EmailVerified = true
	s.logger.InfoContext(ctx, "email verified", "user_id", user.ID.String())
	return nil
}
