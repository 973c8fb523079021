// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package twofactor

import "github.com/warden-auth/warden/internal/auth"

// State is the two-factor assurance of a session.
type State int

// Two-factor states.
const (
	StateNoFactorRegistered State = iota
	StateFactorRegisteredUnverified
	StateFactorVerified
)

func (s State) String() string {
	switch s {
	case StateNoFactorRegistered:
		return "no_factor_registered"
	case StateFactorRegisteredUnverified:
		return "factor_registered_unverified"
	case StateFactorVerified:
		return "factor_verified"
	default:
		return "unknown"
	}
}

// StateOf derives the state of session for user.
func StateOf(user *auth.User, session *auth.Session) State {
	if user == nil || session == nil || !user.Registered2FA() {
		return StateNoFactorRegistered
	}
	if session.TwoFactorVerified {
		return StateFactorVerified
	}
	return StateFactorRegisteredUnverified
}

// Destination is where a request must go before it can proceed.
type Destination string

// Destinations.
const (
	DestinationSignIn            Destination = "/signin"
	DestinationVerifyEmail       Destination = "/verify-email"
	DestinationStepUpPasskey     Destination = "/2fa/passkey"
	DestinationStepUpSecurityKey Destination = "/2fa/security-key"
	DestinationStepUpTOTP        Destination = "/2fa/totp"
	DestinationAuthenticated     Destination = "/app"
)

// IsStepUp reports whether d is one of the two-factor verification pages.
func (d Destination) IsStepUp() bool {
	switch d {
	case DestinationStepUpPasskey, DestinationStepUpSecurityKey, DestinationStepUpTOTP:
		return true
	default:
		return false
	}
}

// RequiredRedirectFor returns the destination a request from user holding
// session must be sent to. It is pure and must be evaluated on every
// request.
//
// Step-up prefers the strongest registered factor: passkey, then security
// key, then TOTP.
func RequiredRedirectFor(user *auth.User, session *auth.Session) Destination {
	switch {
	case user == nil || session == nil:
		return DestinationSignIn
	case !user.EmailVerified:
		return DestinationVerifyEmail
	case user.Registered2FA() && !session.TwoFactorVerified:
		switch {
		case user.RegisteredPasskey:
			return DestinationStepUpPasskey
		case user.RegisteredSecurityKey:
			return DestinationStepUpSecurityKey
		default:
			return DestinationStepUpTOTP
		}
	default:
		return DestinationAuthenticated
	}
}

// ShouldRemindEnrollment reports whether the client should be nudged to
// register a second factor. skipped is the client's skip marker.
func ShouldRemindEnrollment(user *auth.User, skipped bool) bool {
	return user != nil && !user.Registered2FA() && !skipped
}
