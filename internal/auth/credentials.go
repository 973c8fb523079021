// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package auth

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// TOTPCredential is a user's time-based one-time password secret. Secret
// holds the sealed form produced by a SecretSealer.
type TOTPCredential struct {
	UserID    ulid.ULID
	Secret    []byte
	CreatedAt time.Time

	// LastUsedStep is the most recent time step whose code was accepted.
	// Codes from that step or earlier are refused.
	LastUsedStep int64
}

// CredentialKind distinguishes the two WebAuthn factor flavours.
type CredentialKind string

// WebAuthn credential kinds.
const (
	CredentialPasskey     CredentialKind = "passkey"
	CredentialSecurityKey CredentialKind = "security_key"
)

// ParseCredentialKind validates a kind received from a client.
func ParseCredentialKind(s string) (CredentialKind, error) {
	switch CredentialKind(s) {
	case CredentialPasskey, CredentialSecurityKey:
		return CredentialKind(s), nil
	default:
		return "", oops.Code("WEBAUTHN_INVALID_KIND").
			With("kind", s).
			Wrapf(ErrInvalidInput, "unknown credential kind %q", s)
	}
}

// WebAuthnCredential is a registered passkey or security key.
type WebAuthnCredential struct {
	CredentialID    []byte
	UserID          ulid.ULID
	Kind            CredentialKind
	Name            string
	PublicKey       []byte
	AttestationType string
	AAGUID          []byte
	SignCount       uint32
	Transports      []string
	BackupEligible  bool
	BackupState     bool
	FlaggedAt       *time.Time // set once a counter replay is detected
	CreatedAt       time.Time
	LastUsedAt      *time.Time
}

// Flagged reports whether the credential has been disabled by replay detection.
func (c *WebAuthnCredential) Flagged() bool {
	return c.FlaggedAt != nil
}

// OAuthAccount links an external identity to a local user.
type OAuthAccount struct {
	Provider       string
	ProviderUserID string
	UserID         ulid.ULID
	Email          string
	CreatedAt      time.Time
}

// TOTPRepository manages TOTP secrets. A user holds at most one.
type TOTPRepository interface {
	// Upsert stores cred, replacing any prior secret for the user.
	Upsert(ctx context.Context, cred *TOTPCredential) error

	// Get retrieves the user's secret.
	Get(ctx context.Context, userID ulid.ULID) (*TOTPCredential, error)

	// AdvanceStep records step as used when it is later than LastUsedStep.
	// It reports false when the step was already used or the secret is gone.
	AdvanceStep(ctx context.Context, userID ulid.ULID, step int64) (bool, error)

	// Delete removes the user's secret.
	Delete(ctx context.Context, userID ulid.ULID) error
}

// WebAuthnCredentialRepository manages WebAuthn credentials.
type WebAuthnCredentialRepository interface {
	// Create stores a credential. Returns ErrAttestationInvalid when the
	// credential ID is already registered.
	Create(ctx context.Context, cred *WebAuthnCredential) error

	// GetByCredentialID retrieves a credential by its WebAuthn ID.
	GetByCredentialID(ctx context.Context, credentialID []byte) (*WebAuthnCredential, error)

	// ListByUser returns a user's credentials of the given kind, or of all
	// kinds when kind is empty.
	ListByUser(ctx context.Context, userID ulid.ULID, kind CredentialKind) ([]*WebAuthnCredential, error)

	// AdvanceSignCount stores count only if it exceeds the stored value and
	// reports whether the row changed.
	AdvanceSignCount(ctx context.Context, credentialID []byte, count uint32, usedAt time.Time) (bool, error)

	// Flag marks the credential as cloned.
	Flag(ctx context.Context, credentialID []byte, at time.Time) error

	// Delete removes one of the user's credentials.
	Delete(ctx context.Context, userID ulid.ULID, credentialID []byte) error

	// DeleteByUser removes all of the user's credentials.
	DeleteByUser(ctx context.Context, userID ulid.ULID) error
}

// OAuthAccountRepository manages external identity links.
type OAuthAccountRepository interface {
	// Create stores a link. Returns ErrAccountLinkRequired if the external
	// identity is already linked.
	Create(ctx context.Context, account *OAuthAccount) error

	// Get retrieves the link for an external identity.
	Get(ctx context.Context, provider, providerUserID string) (*OAuthAccount, error)

	// ListByUser returns all links for a user.
	ListByUser(ctx context.Context, userID ulid.ULID) ([]*OAuthAccount, error)
}

// Transactor runs fn inside a store transaction. Repository calls made with
// the context passed to fn participate in that transaction.
type Transactor interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Store bundles the repositories owned by the credential store.
type Store struct {
	Users          UserRepository
	Sessions       SessionRepository
	TOTP           TOTPRepository
	WebAuthn       WebAuthnCredentialRepository
	OAuthAccounts  OAuthAccountRepository
	PasswordResets PasswordResetRepository
	Tx             Transactor
}

// Validate checks that every repository is present.
func (s Store) Validate() error {
	missing := ""
	switch {
	case s.Users == nil:
		missing = "users"
	case s.Sessions == nil:
		missing = "sessions"
	case s.TOTP == nil:
		missing = "totp"
	case s.WebAuthn == nil:
		missing = "webauthn"
	case s.OAuthAccounts == nil:
		missing = "oauth accounts"
	case s.PasswordResets == nil:
		missing = "password resets"
	case s.Tx == nil:
		missing = "transactor"
	}
	if missing != "" {
		return oops.Code("STORE_INCOMPLETE").
			With("repository", missing).
			Errorf("%s repository is required", missing)
	}
	return nil
}
