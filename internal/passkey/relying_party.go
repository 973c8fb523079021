// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package passkey

import (
	"encoding/json"

	"github.com/warden-auth/warden/internal/auth"
)

// Account is a user together with the WebAuthn credentials the relying
// party should know about during a ceremony.
type Account struct {
	User        *auth.User
	Credentials []*auth.WebAuthnCredential
}

// Ceremony is a freshly started registration or authentication.
type Ceremony struct {
	// Options is the JSON handed to navigator.credentials.
	Options json.RawMessage

	// SessionData is opaque relying-party state needed to finish the ceremony.
	SessionData []byte

	// Challenge is the raw challenge embedded in Options.
	Challenge []byte
}

// Assertion is a parsed but not yet verified authentication response.
type Assertion struct {
	CredentialID []byte
	UserHandle   []byte

	// parsed carries the library representation between ParseAssertion
	// and FinishLogin.
	parsed any
}

// NewAssertion builds an Assertion. Test doubles use it; the production
// relying party attaches its parsed response.
func NewAssertion(credentialID, userHandle []byte) *Assertion {
	return &Assertion{CredentialID: credentialID, UserHandle: userHandle}
}

// VerifiedAssertion is what a successful signature check reports.
type VerifiedAssertion struct {
	SignCount   uint32
	BackupState bool
}

// RelyingParty performs the cryptographic half of WebAuthn ceremonies.
// Challenge bookkeeping, credential lookup and counter enforcement stay in
// the Engine.
type RelyingParty interface {
	// BeginRegistration starts a registration of kind for account,
	// excluding its existing credentials.
	BeginRegistration(account *Account, kind auth.CredentialKind) (*Ceremony, error)

	// FinishRegistration verifies an attestation response. Failures wrap
	// auth.ErrAttestationInvalid.
	FinishRegistration(account *Account, sessionData, response []byte) (*auth.WebAuthnCredential, error)

	// BeginLogin starts an authentication. A nil account starts a
	// discoverable (usernameless) ceremony.
	BeginLogin(account *Account, kind auth.CredentialKind) (*Ceremony, error)

	// ParseAssertion decodes an authentication response without verifying it.
	ParseAssertion(response []byte) (*Assertion, error)

	// FinishLogin verifies assertion against account's stored public key.
	// Failures wrap auth.ErrVerificationFailed.
	FinishLogin(account *Account, sessionData []byte, assertion *Assertion) (*VerifiedAssertion, error)
}
