// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package auth

import (
	"context"
	"errors"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// RequestPasswordReset mails a reset token if email belongs to a password
// account. Unknown emails succeed silently to avoid account enumeration.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return oops.Code("RESET_REQUEST_FAILED").With("operation", "get user by email").Wrap(err)
	}

	token, hash, err := GenerateSessionToken()
	if err != nil {
		return oops.Code("RESET_REQUEST_FAILED").With("operation", "generate token").Wrap(err)
	}
	reset, err := NewPasswordReset(user.ID, hash, s.now())
	if err != nil {
		return oops.Code("RESET_REQUEST_FAILED").Wrap(err)
	}
	if err := s.resets.Create(ctx, reset); err != nil {
		return oops.Code("RESET_REQUEST_FAILED").With("operation", "persist reset").Wrap(err)
	}
	if err := s.mailer.Send(ctx, Message{Kind: MessagePasswordReset, To: user.Email, Secret: token}); err != nil {
		return oops.Code("RESET_REQUEST_FAILED").With("operation", "send").Wrap(err)
	}
	return nil
}

// ResetPassword sets a new password using a reset token, then revokes every
// outstanding reset and every session of the user.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) (ulid.ULID, error) {
	if err := ValidatePassword(newPassword); err != nil {
		return ulid.ULID{}, err
	}
	if token == "" {
		return ulid.ULID{}, oops.Code("RESET_TOKEN_INVALID").Wrapf(ErrVerificationFailed, "reset token is empty")
	}

	reset, err := s.resets.GetByTokenHash(ctx, HashSessionToken(token))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ulid.ULID{}, oops.Code("RESET_TOKEN_INVALID").Wrapf(ErrVerificationFailed, "reset token not found")
		}
		return ulid.ULID{}, oops.Code("RESET_FAILED").Wrap(err)
	}
	if reset.IsExpiredAt(s.now()) {
		return ulid.ULID{}, oops.Code("RESET_TOKEN_EXPIRED").Wrapf(ErrVerificationFailed, "reset token has expired")
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return ulid.ULID{}, oops.Code("RESET_FAILED").With("operation", "hash password").Wrap(err)
	}
	if err := s.users.UpdatePassword(ctx, reset.UserID, hash); err != nil {
		return ulid.ULID{}, oops.Code("RESET_FAILED").With("operation", "update password").Wrap(err)
	}

	if err := s.resets.DeleteByUser(ctx, reset.UserID); err != nil {
		s.logger.WarnContext(ctx, "failed to delete password resets", "user_id", reset.UserID.String(), "error", err)
	}
	if _, err := s.sessions.InvalidateUserSessions(ctx, reset.UserID, ulid.ULID{}); err != nil {
		return ulid.ULID{}, err
	}
	return reset.UserID, nil
}
