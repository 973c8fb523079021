// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Session token configuration.
const (
	SessionTokenBytes = 32 // 32 bytes = 64 hex chars

	// DefaultSessionTTL is the lifetime of a new or renewed session.
	DefaultSessionTTL = 30 * 24 * time.Hour

	// DefaultSessionRenewWithin renews a session once its remaining lifetime
	// drops below this window.
	DefaultSessionRenewWithin = 15 * 24 * time.Hour
)

// Session is an authenticated browser session. Only the SHA-256 of the
// bearer token is stored.
type Session struct {
	ID                ulid.ULID
	UserID            ulid.ULID
	TokenHash         string
	TwoFactorVerified bool
	UserAgent         string
	IPAddress         string
	ExpiresAt         time.Time
	CreatedAt         time.Time
	LastSeenAt        time.Time
}

// ClientMeta describes the client a session is issued to.
type ClientMeta struct {
	UserAgent string
	IPAddress string
}

// NewSession creates a validated, unverified Session.
func NewSession(userID ulid.ULID, tokenHash string, meta ClientMeta, now, expiresAt time.Time) (*Session, error) {
	if userID.Compare(ulid.ULID{}) == 0 {
		return nil, oops.Code("SESSION_INVALID_USER").Errorf("user ID cannot be zero")
	}
	if tokenHash == "" {
		return nil, oops.Code("SESSION_INVALID_HASH").Errorf("token hash cannot be empty")
	}
	if !expiresAt.After(now) {
		return nil, oops.Code("SESSION_INVALID_EXPIRY").
			With("expires_at", expiresAt).
			Errorf("expiry must be in the future")
	}
	return &Session{
		ID:         ulid.Make(),
		UserID:     userID,
		TokenHash:  tokenHash,
		UserAgent:  meta.UserAgent,
		IPAddress:  meta.IPAddress,
		ExpiresAt:  expiresAt,
		CreatedAt:  now,
		LastSeenAt: now,
	}, nil
}

// IsExpiredAt returns true if the session is expired at time t.
func (s *Session) IsExpiredAt(t time.Time) bool {
	return !t.Before(s.ExpiresAt)
}

// GenerateSessionToken creates a secure random token and its hash.
// The plaintext token goes to the client; the hash is persisted.
func GenerateSessionToken() (token, hash string, err error) {
	tokenBytes := make([]byte, SessionTokenBytes)
	if _, err = rand.Read(tokenBytes); err != nil {
		return "", "", oops.Code("SESSION_TOKEN_GENERATE_FAILED").
			With("requested_bytes", SessionTokenBytes).
			Wrap(err)
	}

	token = hex.EncodeToString(tokenBytes)
	return token, HashSessionToken(token), nil
}

// HashSessionToken computes the hex SHA-256 of a session token.
func HashSessionToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// SessionRepository manages session persistence.
type SessionRepository interface {
	// Create stores a new session.
	Create(ctx context.Context, session *Session) error

	// GetByID retrieves a session by its ID.
	GetByID(ctx context.Context, id ulid.ULID) (*Session, error)

	// GetByTokenHash retrieves a session by its token hash.
	GetByTokenHash(ctx context.Context, tokenHash string) (*Session, error)

	// Renew sets a new expiry and last-seen time without touching other columns.
	Renew(ctx context.Context, id ulid.ULID, expiresAt, lastSeen time.Time) error

	// UpdateLastSeen updates only LastSeenAt.
	UpdateLastSeen(ctx context.Context, id ulid.ULID, lastSeen time.Time) error

	// SetTwoFactorVerified marks the session verified without touching other columns.
	SetTwoFactorVerified(ctx context.Context, id ulid.ULID) error

	// Delete removes a session by ID.
	Delete(ctx context.Context, id ulid.ULID) error

	// DeleteByUser removes all sessions for a user except keep, if non-zero.
	DeleteByUser(ctx context.Context, userID ulid.ULID, keep ulid.ULID) (int64, error)

	// DeleteExpired removes sessions expired before now and returns the count.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
