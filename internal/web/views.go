// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package web

import (
	"time"

	"github.com/warden-auth/warden/internal/auth"
	"github.com/warden-auth/warden/internal/passkey"
	"github.com/warden-auth/warden/internal/twofactor"
)

type factorsView struct {
	TOTP        bool `json:"totp"`
	Passkey     bool `json:"passkey"`
	SecurityKey bool `json:"security_key"`
}

type userView struct {
	ID            string      `json:"id"`
	Email         string      `json:"email"`
	EmailVerified bool        `json:"email_verified"`
	HasPassword   bool        `json:"has_password"`
	Factors       factorsView `json:"factors"`
}

func viewUser(u *auth.User) userView {
	return userView{
		ID:            u.ID.String(),
		Email:         u.Email,
		EmailVerified: u.EmailVerified,
		HasPassword:   u.HasPassword(),
		Factors: factorsView{
			TOTP:        u.RegisteredTOTP,
			Passkey:     u.RegisteredPasskey,
			SecurityKey: u.RegisteredSecurityKey,
		},
	}
}

type sessionView struct {
	ID                string    `json:"id"`
	TwoFactorVerified bool      `json:"two_factor_verified"`
	ExpiresAt         time.Time `json:"expires_at"`
}

// nextView tells the client where to go after an action.
type nextView struct {
	Next         twofactor.Destination `json:"next"`
	RecoveryCode string                `json:"recovery_code,omitempty"`
}

func next(user *auth.User, session *auth.Session) nextView {
	return nextView{Next: twofactor.RequiredRedirectFor(user, session)}
}

type credentialView struct {
	ID         string              `json:"id"`
	Kind       auth.CredentialKind `json:"kind"`
	Name       string              `json:"name"`
	CreatedAt  time.Time           `json:"created_at"`
	LastUsedAt *time.Time          `json:"last_used_at,omitempty"`
	Disabled   bool                `json:"disabled"`
}

func viewCredential(c *auth.WebAuthnCredential) credentialView {
	return credentialView{
		ID:         passkey.EncodeCredentialID(c.CredentialID),
		Kind:       c.Kind,
		Name:       c.Name,
		CreatedAt:  c.CreatedAt,
		LastUsedAt: c.LastUsedAt,
		Disabled:   c.Flagged(),
	}
}
