// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package passkey

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/warden-auth/warden/internal/auth"
	"github.com/warden-auth/warden/internal/ephemeral"
)

// DefaultChallengeTTL bounds how long a ceremony may take.
const DefaultChallengeTTL = 5 * time.Minute

// Purpose is what a challenge may be used for.
type Purpose string

// Challenge purposes.
const (
	PurposeRegistration   Purpose = "registration"
	PurposeAuthentication Purpose = "authentication"
)

// ParsePurpose validates a purpose from client input.
func ParsePurpose(s string) (Purpose, error) {
	switch Purpose(s) {
	case PurposeRegistration, PurposeAuthentication:
		return Purpose(s), nil
	default:
		return "", oops.Code("WEBAUTHN_INVALID_PURPOSE").
			With("purpose", s).
			Wrapf(auth.ErrInvalidInput, "unknown challenge purpose %q", s)
	}
}

// Challenge is an outstanding WebAuthn ceremony. It is stored in the
// ephemeral store and consumed on first use.
type Challenge struct {
	Ref       string              `json:"ref"`
	Purpose   Purpose             `json:"purpose"`
	UserID    ulid.ULID           `json:"user_id"`
	Kind      auth.CredentialKind `json:"kind"`
	Challenge []byte              `json:"challenge"`
	Session   []byte              `json:"session"`
	ExpiresAt time.Time           `json:"expires_at"`
}

// Bound reports whether the challenge was issued for a specific user.
func (c *Challenge) Bound() bool {
	return c.UserID.Compare(ulid.ULID{}) != 0
}

// EncodeChallenge renders challenge bytes as unpadded base64url.
func EncodeChallenge(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeChallenge parses unpadded base64url. Padded or non-url alphabets
// are rejected.
func DecodeChallenge(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.Strict().DecodeString(s)
	if err != nil {
		return nil, oops.Code("WEBAUTHN_CHALLENGE_ENCODING").Wrapf(auth.ErrInvalidInput, "challenge is not unpadded base64url")
	}
	return b, nil
}

// EncodeCredentialID renders a credential ID for URLs and JSON. It uses the
// same unpadded base64url form as challenges.
func EncodeCredentialID(id []byte) string {
	return base64.RawURLEncoding.EncodeToString(id)
}

// DecodeCredentialID parses an ID produced by EncodeCredentialID.
func DecodeCredentialID(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.Strict().DecodeString(s)
	if err != nil || len(b) == 0 {
		return nil, oops.Code("WEBAUTHN_CREDENTIAL_ID_ENCODING").
			With("credential_id", s).
			Wrapf(auth.ErrInvalidInput, "credential id is not unpadded base64url")
	}
	return b, nil
}

func challengeKey(ref string) string {
	return ephemeral.Key("webauthn-challenge", ref)
}

func (e *Engine) storeChallenge(ctx context.Context, c *Challenge) error {
	ttl := c.ExpiresAt.Sub(e.now())
	if err := ephemeral.PutJSON(ctx, e.challenges, challengeKey(c.Ref), c, ttl); err != nil {
		return oops.Code("WEBAUTHN_CHALLENGE_STORE_FAILED").With("purpose", string(c.Purpose)).Wrap(err)
	}
	return nil
}

// takeChallenge consumes ref. A missing, expired or wrong-purpose challenge
// is ErrChallengeInvalid; the challenge is gone either way.
func (e *Engine) takeChallenge(ctx context.Context, ref string, purpose Purpose) (*Challenge, error) {
	if ref == "" {
		return nil, oops.Code("WEBAUTHN_CHALLENGE_MISSING").Wrapf(auth.ErrChallengeInvalid, "challenge reference is empty")
	}
	c, err := ephemeral.TakeJSON[Challenge](ctx, e.challenges, challengeKey(ref))
	if errors.Is(err, ephemeral.ErrNotFound) {
		return nil, oops.Code("WEBAUTHN_CHALLENGE_UNKNOWN").Wrapf(auth.ErrChallengeInvalid, "challenge not found or already used")
	}
	if err != nil {
		return nil, oops.Code("WEBAUTHN_CHALLENGE_LOAD_FAILED").Wrap(err)
	}
	if !e.now().Before(c.ExpiresAt) {
		return nil, oops.Code("WEBAUTHN_CHALLENGE_EXPIRED").Wrapf(auth.ErrChallengeInvalid, "challenge expired")
	}
	if c.Purpose != purpose {
		return nil, oops.Code("WEBAUTHN_CHALLENGE_PURPOSE").
			With("want", string(purpose)).
			With("got", string(c.Purpose)).
			Wrapf(auth.ErrChallengeInvalid, "challenge was issued for %s", c.Purpose)
	}
	return c, nil
}
