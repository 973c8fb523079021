// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package passkey

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/samber/oops"

	"github.com/warden-auth/warden/internal/auth"
)

// WebAuthnConfig describes the relying party identity.
type WebAuthnConfig struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
	Timeout       time.Duration
}

// WebAuthnRelyingParty is the RelyingParty backed by go-webauthn.
type WebAuthnRelyingParty struct {
	wa *webauthn.WebAuthn
}

// NewWebAuthnRelyingParty validates cfg and builds the relying party.
func NewWebAuthnRelyingParty(cfg WebAuthnConfig) (*WebAuthnRelyingParty, error) {
	if strings.TrimSpace(cfg.RPID) == "" {
		return nil, oops.Code("WEBAUTHN_CONFIG_INVALID").Errorf("relying party id is required")
	}
	if len(cfg.RPOrigins) == 0 {
		return nil, oops.Code("WEBAUTHN_CONFIG_INVALID").Errorf("at least one relying party origin is required")
	}
	if cfg.RPDisplayName == "" {
		cfg.RPDisplayName = cfg.RPID
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultChallengeTTL
	}
	timeout := webauthn.TimeoutConfig{Enforce: true, Timeout: cfg.Timeout}
	wa, err := webauthn.New(&webauthn.Config{
		RPID:          cfg.RPID,
		RPDisplayName: cfg.RPDisplayName,
		RPOrigins:     cfg.RPOrigins,
		Timeouts: webauthn.TimeoutsConfig{
			Login:        timeout,
			Registration: timeout,
		},
	})
	if err != nil {
		return nil, oops.Code("WEBAUTHN_CONFIG_INVALID").With("rp_id", cfg.RPID).Wrap(err)
	}
	return &WebAuthnRelyingParty{wa: wa}, nil
}

// rpUser adapts an Account to webauthn.User.
type rpUser struct {
	account *Account
	creds   []webauthn.Credential
}

func newRPUser(account *Account) *rpUser {
	creds := make([]webauthn.Credential, 0, len(account.Credentials))
	for _, c := range account.Credentials {
		creds = append(creds, toLibraryCredential(c))
	}
	return &rpUser{account: account, creds: creds}
}

func (u *rpUser) WebAuthnID() []byte {
	id := u.account.User.ID
	return id[:]
}

func (u *rpUser) WebAuthnName() string { return u.account.User.Email }

func (u *rpUser) WebAuthnDisplayName() string { return u.account.User.Email }

func (u *rpUser) WebAuthnCredentials() []webauthn.Credential { return u.creds }

func toLibraryCredential(c *auth.WebAuthnCredential) webauthn.Credential {
	transports := make([]protocol.AuthenticatorTransport, 0, len(c.Transports))
	for _, t := range c.Transports {
		transports = append(transports, protocol.AuthenticatorTransport(t))
	}
	return webauthn.Credential{
		ID:              c.CredentialID,
		PublicKey:       c.PublicKey,
		AttestationType: c.AttestationType,
		Transport:       transports,
		Flags: webauthn.CredentialFlags{
			BackupEligible: c.BackupEligible,
			BackupState:    c.BackupState,
		},
		Authenticator: webauthn.Authenticator{
			AAGUID:    c.AAGUID,
			SignCount: c.SignCount,
		},
	}
}

func fromLibraryCredential(c *webauthn.Credential) *auth.WebAuthnCredential {
	transports := make([]string, 0, len(c.Transport))
	for _, t := range c.Transport {
		transports = append(transports, string(t))
	}
	return &auth.WebAuthnCredential{
		CredentialID:    c.ID,
		PublicKey:       c.PublicKey,
		AttestationType: c.AttestationType,
		AAGUID:          c.Authenticator.AAGUID,
		SignCount:       c.Authenticator.SignCount,
		Transports:      transports,
		BackupEligible:  c.Flags.BackupEligible,
		BackupState:     c.Flags.BackupState,
	}
}

func registrationSelection(kind auth.CredentialKind) protocol.AuthenticatorSelection {
	if kind == auth.CredentialSecurityKey {
		return protocol.AuthenticatorSelection{
			AuthenticatorAttachment: protocol.CrossPlatform,
			RequireResidentKey:      protocol.ResidentKeyNotRequired(),
			ResidentKey:             protocol.ResidentKeyRequirementDiscouraged,
			UserVerification:        protocol.VerificationPreferred,
		}
	}
	return protocol.AuthenticatorSelection{
		RequireResidentKey: protocol.ResidentKeyRequired(),
		ResidentKey:        protocol.ResidentKeyRequirementRequired,
		UserVerification:   protocol.VerificationRequired,
	}
}

func loginVerification(kind auth.CredentialKind) protocol.UserVerificationRequirement {
	if kind == auth.CredentialSecurityKey {
		return protocol.VerificationDiscouraged
	}
	return protocol.VerificationRequired
}

func newCeremony(options any, session *webauthn.SessionData) (*Ceremony, error) {
	optionsJSON, err := json.Marshal(options)
	if err != nil {
		return nil, oops.Code("WEBAUTHN_OPTIONS_ENCODE_FAILED").Wrap(err)
	}
	sessionJSON, err := json.Marshal(session)
	if err != nil {
		return nil, oops.Code("WEBAUTHN_SESSION_ENCODE_FAILED").Wrap(err)
	}
	challenge, err := DecodeChallenge(session.Challenge)
	if err != nil {
		return nil, oops.Code("WEBAUTHN_SESSION_ENCODE_FAILED").Wrap(err)
	}
	return &Ceremony{Options: optionsJSON, SessionData: sessionJSON, Challenge: challenge}, nil
}

func decodeSession(data []byte) (webauthn.SessionData, error) {
	var session webauthn.SessionData
	if err := json.Unmarshal(data, &session); err != nil {
		return session, oops.Code("WEBAUTHN_SESSION_DECODE_FAILED").Wrap(err)
	}
	return session, nil
}

// BeginRegistration implements RelyingParty.
func (rp *WebAuthnRelyingParty) BeginRegistration(account *Account, kind auth.CredentialKind) (*Ceremony, error) {
	user := newRPUser(account)
	opts := []webauthn.RegistrationOption{
		webauthn.WithAuthenticatorSelection(registrationSelection(kind)),
	}
	if len(user.creds) > 0 {
		opts = append(opts, webauthn.WithExclusions(webauthn.Credentials(user.creds).CredentialDescriptors()))
	}
	creation, session, err := rp.wa.BeginRegistration(user, opts...)
	if err != nil {
		return nil, oops.Code("WEBAUTHN_BEGIN_REGISTRATION_FAILED").With("kind", string(kind)).Wrap(err)
	}
	return newCeremony(creation, session)
}

// FinishRegistration implements RelyingParty.
func (rp *WebAuthnRelyingParty) FinishRegistration(account *Account, sessionData, response []byte) (*auth.WebAuthnCredential, error) {
	session, err := decodeSession(sessionData)
	if err != nil {
		return nil, err
	}
	parsed, err := protocol.ParseCredentialCreationResponseBytes(response)
	if err != nil {
		return nil, oops.Code("WEBAUTHN_ATTESTATION_MALFORMED").Wrapf(auth.ErrAttestationInvalid, "parse attestation: %s", err.Error())
	}
	credential, err := rp.wa.CreateCredential(newRPUser(account), session, parsed)
	if err != nil {
		return nil, oops.Code("WEBAUTHN_ATTESTATION_REJECTED").Wrapf(auth.ErrAttestationInvalid, "verify attestation: %s", err.Error())
	}
	return fromLibraryCredential(credential), nil
}

// BeginLogin implements RelyingParty.
func (rp *WebAuthnRelyingParty) BeginLogin(account *Account, kind auth.CredentialKind) (*Ceremony, error) {
	opt := webauthn.WithUserVerification(loginVerification(kind))
	var (
		assertion *protocol.CredentialAssertion
		session   *webauthn.SessionData
		err       error
	)
	if account == nil {
		assertion, session, err = rp.wa.BeginDiscoverableLogin(opt)
	} else {
		assertion, session, err = rp.wa.BeginLogin(newRPUser(account), opt)
	}
	if err != nil {
		return nil, oops.Code("WEBAUTHN_BEGIN_LOGIN_FAILED").With("kind", string(kind)).Wrap(err)
	}
	return newCeremony(assertion, session)
}

// ParseAssertion implements RelyingParty.
func (rp *WebAuthnRelyingParty) ParseAssertion(response []byte) (*Assertion, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBytes(response)
	if err != nil {
		return nil, oops.Code("WEBAUTHN_ASSERTION_MALFORMED").Wrapf(auth.ErrVerificationFailed, "parse assertion: %s", err.Error())
	}
	return &Assertion{
		CredentialID: parsed.RawID,
		UserHandle:   parsed.Response.UserHandle,
		parsed:       parsed,
	}, nil
}

// FinishLogin implements RelyingParty.
func (rp *WebAuthnRelyingParty) FinishLogin(account *Account, sessionData []byte, assertion *Assertion) (*VerifiedAssertion, error) {
	parsed, ok := assertion.parsed.(*protocol.ParsedCredentialAssertionData)
	if !ok || parsed == nil {
		return nil, oops.Code("WEBAUTHN_ASSERTION_MALFORMED").Wrapf(auth.ErrVerificationFailed, "assertion was not parsed by this relying party")
	}
	session, err := decodeSession(sessionData)
	if err != nil {
		return nil, err
	}

	user := newRPUser(account)
	var credential *webauthn.Credential
	if len(session.UserID) == 0 {
		handler := func(_, userHandle []byte) (webauthn.User, error) {
			if !bytes.Equal(userHandle, user.WebAuthnID()) {
				return nil, oops.Errorf("user handle does not match credential owner")
			}
			return user, nil
		}
		_, credential, err = rp.wa.ValidatePasskeyLogin(handler, session, parsed)
	} else {
		credential, err = rp.wa.ValidateLogin(user, session, parsed)
	}
	if err != nil {
		return nil, oops.Code("WEBAUTHN_ASSERTION_REJECTED").Wrapf(auth.ErrVerificationFailed, "verify assertion: %s", err.Error())
	}
	return &VerifiedAssertion{
		SignCount:   parsed.Response.AuthenticatorData.Counter,
		BackupState: credential.Flags.BackupState,
	}, nil
}
