// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package auth

import (
	"context"
	"net/mail"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// MaxEmailLength bounds accepted email addresses (RFC 5321 path limit).
const MaxEmailLength = 254

// User is an account that can hold sessions and second factors.
//
// The Registered* flags are derived from the factor credential tables on
// every read; they are never written back.
type User struct {
	ID               ulid.ULID
	Email            string
	EmailVerified    bool
	PasswordHash     string // empty for accounts created through OAuth
	FailedAttempts   int
	LockedUntil      *time.Time
	RecoveryCodeHash string
	CreatedAt        time.Time
	UpdatedAt        time.Time

	RegisteredTOTP        bool
	RegisteredPasskey     bool
	RegisteredSecurityKey bool
}

// NewUser creates a validated User. passwordHash may be empty for users
// that only sign in through an external provider.
func NewUser(email, passwordHash string, emailVerified bool) (*User, error) {
	normalized, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &User{
		ID:            ulid.Make(),
		Email:         normalized,
		EmailVerified: emailVerified,
		PasswordHash:  passwordHash,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Registered2FA reports whether at least one second factor is registered.
func (u *User) Registered2FA() bool {
	return u.RegisteredTOTP || u.RegisteredPasskey || u.RegisteredSecurityKey
}

// HasPassword reports whether the user can sign in with a password.
func (u *User) HasPassword() bool {
	return u.PasswordHash != ""
}

// IsLockedAt returns true if the user is locked out at time now.
func (u *User) IsLockedAt(now time.Time) bool {
	return IsLockedOutAt(u.LockedUntil, now)
}

// RecordFailure increments the failure counter and locks the account once
// the threshold is reached.
func (u *User) RecordFailure(now time.Time) {
	u.FailedAttempts++
	u.LockedUntil = LockoutUntil(u.FailedAttempts, now)
	u.UpdatedAt = now
}

// RecordSuccess clears the failure counter and any lock.
func (u *User) RecordSuccess(now time.Time) {
	u.FailedAttempts = 0
	u.LockedUntil = nil
	u.UpdatedAt = now
}

// NormalizeEmail validates an address and returns its lower-cased form.
func NormalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", oops.Code("AUTH_INVALID_EMAIL").Wrapf(ErrInvalidInput, "email cannot be empty")
	}
	if len(email) > MaxEmailLength {
		return "", oops.Code("AUTH_INVALID_EMAIL").
			With("max", MaxEmailLength).
			Wrapf(ErrInvalidInput, "email must be at most %d characters", MaxEmailLength)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", oops.Code("AUTH_INVALID_EMAIL").Wrapf(ErrInvalidInput, "email address is malformed")
	}
	return strings.ToLower(email), nil
}

// UserRepository manages user persistence.
type UserRepository interface {
	// Create stores a new user. Returns ErrEmailTaken if the email is in use.
	Create(ctx context.Context, user *User) error

	// GetByID retrieves a user by ID, including derived factor flags.
	GetByID(ctx context.Context, id ulid.ULID) (*User, error)

	// GetByEmail retrieves a user by email (case-insensitive).
	GetByEmail(ctx context.Context, email string) (*User, error)

	// UpdateLoginState persists FailedAttempts and LockedUntil.
	UpdateLoginState(ctx context.Context, user *User) error

	// UpdatePassword replaces the password hash.
	UpdatePassword(ctx context.Context, id ulid.ULID, passwordHash string) error

	// MarkEmailVerified sets EmailVerified.
	MarkEmailVerified(ctx context.Context, id ulid.ULID) error

	// SetRecoveryCodeHash replaces the recovery code hash only while it
	// still equals oldHash. It reports whether the swap happened; a missing
	// user reports false.
	SetRecoveryCodeHash(ctx context.Context, id ulid.ULID, oldHash, newHash string) (bool, error)
}
