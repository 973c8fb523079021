// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

// Package passkey runs WebAuthn registration and authentication ceremonies
// for passkeys and security keys.
//
// The Engine owns challenge issuance, single-use consumption, credential
// lookup and signature counter enforcement. Signature and attestation
// verification is delegated to a RelyingParty.
package passkey

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/warden-auth/warden/internal/auth"
	"github.com/warden-auth/warden/internal/ephemeral"
	"github.com/warden-auth/warden/internal/observability"
)

// MaxCredentialNameLength bounds user-supplied credential names.
const MaxCredentialNameLength = 64

// Engine runs WebAuthn ceremonies.
type Engine struct {
	rp         RelyingParty
	users      auth.UserRepository
	creds      auth.WebAuthnCredentialRepository
	challenges ephemeral.Store
	ttl        time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithChallengeTTL overrides DefaultChallengeTTL.
func WithChallengeTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) {
		if ttl > 0 {
			e.ttl = ttl
		}
	}
}

// WithEngineClock overrides the time source.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates an Engine.
func NewEngine(rp RelyingParty, store auth.Store, challenges ephemeral.Store, logger *slog.Logger, opts ...EngineOption) (*Engine, error) {
	switch {
	case rp == nil:
		return nil, oops.Errorf("relying party is required")
	case store.Users == nil:
		return nil, oops.Errorf("users repository is required")
	case store.WebAuthn == nil:
		return nil, oops.Errorf("webauthn repository is required")
	case challenges == nil:
		return nil, oops.Errorf("challenge store is required")
	case logger == nil:
		return nil, oops.Errorf("logger is required")
	}
	e := &Engine{
		rp:         rp,
		users:      store.Users,
		creds:      store.WebAuthn,
		challenges: challenges,
		ttl:        DefaultChallengeTTL,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) issue(ctx context.Context, purpose Purpose, userID ulid.ULID, kind auth.CredentialKind, ceremony *Ceremony) (*Challenge, error) {
	c := &Challenge{
		Ref:       ulid.Make().String(),
		Purpose:   purpose,
		UserID:    userID,
		Kind:      kind,
		Challenge: ceremony.Challenge,
		Session:   ceremony.SessionData,
		ExpiresAt: e.now().Add(e.ttl),
	}
	if err := e.storeChallenge(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// BeginRegistration issues a registration challenge of kind bound to user.
// It returns the challenge and the creation options for the browser.
func (e *Engine) BeginRegistration(ctx context.Context, user *auth.User, kind auth.CredentialKind) (*Challenge, json.RawMessage, error) {
	if _, err := auth.ParseCredentialKind(string(kind)); err != nil {
		return nil, nil, err
	}
	existing, err := e.creds.ListByUser(ctx, user.ID, "")
	if err != nil {
		return nil, nil, oops.Code("WEBAUTHN_BEGIN_REGISTRATION_FAILED").With("user_id", user.ID.String()).Wrap(err)
	}
	ceremony, err := e.rp.BeginRegistration(&Account{User: user, Credentials: existing}, kind)
	if err != nil {
		return nil, nil, err
	}
	c, err := e.issue(ctx, PurposeRegistration, user.ID, kind, ceremony)
	if err != nil {
		return nil, nil, err
	}
	return c, ceremony.Options, nil
}

// CompleteRegistration consumes ref, verifies the attestation in response
// and stores the new credential for user.
func (e *Engine) CompleteRegistration(ctx context.Context, ref string, user *auth.User, name string, response []byte) (cred *auth.WebAuthnCredential, err error) {
	defer func() {
		observability.RecordWebAuthnCeremony(string(PurposeRegistration), resultLabel(err))
	}()

	c, err := e.takeChallenge(ctx, ref, PurposeRegistration)
	if err != nil {
		return nil, err
	}
	if c.UserID != user.ID {
		return nil, oops.Code("WEBAUTHN_CHALLENGE_USER_MISMATCH").
			With("user_id", user.ID.String()).
			Wrapf(auth.ErrChallengeInvalid, "challenge was issued to another user")
	}

	existing, err := e.creds.ListByUser(ctx, user.ID, "")
	if err != nil {
		return nil, oops.Code("WEBAUTHN_REGISTRATION_FAILED").With("user_id", user.ID.String()).Wrap(err)
	}
	cred, err = e.rp.FinishRegistration(&Account{User: user, Credentials: existing}, c.Session, response)
	if err != nil {
		return nil, err
	}

	cred.UserID = user.ID
	cred.Kind = c.Kind
	cred.Name = credentialName(name, c.Kind)
	cred.CreatedAt = e.now()
	if err := e.creds.Create(ctx, cred); err != nil {
		if errors.Is(err, auth.ErrAttestationInvalid) {
			return nil, oops.Code("WEBAUTHN_CREDENTIAL_DUPLICATE").Wrap(err)
		}
		return nil, oops.Code("WEBAUTHN_REGISTRATION_FAILED").With("operation", "store credential").Wrap(err)
	}

	e.logger.InfoContext(ctx, "webauthn credential registered",
		"user_id", user.ID.String(),
		"kind", string(cred.Kind))
	return cred, nil
}

// BeginAuthentication issues an authentication challenge. With a nil user
// the ceremony is discoverable and any registered passkey may answer.
func (e *Engine) BeginAuthentication(ctx context.Context, user *auth.User, kind auth.CredentialKind) (*Challenge, json.RawMessage, error) {
	if kind != "" {
		if _, err := auth.ParseCredentialKind(string(kind)); err != nil {
			return nil, nil, err
		}
	}

	var (
		account *Account
		userID  ulid.ULID
	)
	if user != nil {
		creds, err := e.creds.ListByUser(ctx, user.ID, kind)
		if err != nil {
			return nil, nil, oops.Code("WEBAUTHN_BEGIN_LOGIN_FAILED").With("user_id", user.ID.String()).Wrap(err)
		}
		usable := creds[:0]
		for _, cred := range creds {
			if !cred.Flagged() {
				usable = append(usable, cred)
			}
		}
		if len(usable) == 0 {
			return nil, nil, oops.Code("WEBAUTHN_NO_CREDENTIALS").
				With("user_id", user.ID.String()).
				With("kind", string(kind)).
				Wrapf(auth.ErrNoFactorRegistered, "no usable webauthn credential")
		}
		account = &Account{User: user, Credentials: usable}
		userID = user.ID
	}

	ceremony, err := e.rp.BeginLogin(account, kind)
	if err != nil {
		return nil, nil, err
	}
	c, err := e.issue(ctx, PurposeAuthentication, userID, kind, ceremony)
	if err != nil {
		return nil, nil, err
	}
	return c, ceremony.Options, nil
}

// CompleteAuthentication consumes ref and verifies the assertion in
// response. A signature counter that fails to advance flags the credential
// and returns auth.ErrReplayDetected without storing the counter.
//
// Authenticators that do not implement a counter report zero on every
// assertion. A stored zero followed by a presented zero is therefore
// accepted, and replay detection is unavailable for such credentials until
// they report a non-zero value. After that, zero counts as a regression.
func (e *Engine) CompleteAuthentication(ctx context.Context, ref string, response []byte) (cred *auth.WebAuthnCredential, err error) {
	defer func() {
		observability.RecordWebAuthnCeremony(string(PurposeAuthentication), resultLabel(err))
	}()

	c, err := e.takeChallenge(ctx, ref, PurposeAuthentication)
	if err != nil {
		return nil, err
	}
	assertion, err := e.rp.ParseAssertion(response)
	if err != nil {
		return nil, err
	}

	cred, err = e.creds.GetByCredentialID(ctx, assertion.CredentialID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return nil, oops.Code("WEBAUTHN_CREDENTIAL_UNKNOWN").Wrapf(auth.ErrVerificationFailed, "credential is not registered")
		}
		return nil, oops.Code("WEBAUTHN_AUTHENTICATION_FAILED").With("operation", "get credential").Wrap(err)
	}
	if cred.Flagged() {
		e.logger.WarnContext(ctx, "flagged webauthn credential presented", "user_id", cred.UserID.String())
		return nil, oops.Code("WEBAUTHN_CREDENTIAL_FLAGGED").
			With("user_id", cred.UserID.String()).
			Wrapf(auth.ErrReplayDetected, "credential is disabled after a replay")
	}
	if c.Bound() && cred.UserID != c.UserID {
		return nil, oops.Code("WEBAUTHN_CREDENTIAL_USER_MISMATCH").Wrapf(auth.ErrVerificationFailed, "credential belongs to another user")
	}
	if c.Kind != "" && cred.Kind != c.Kind {
		return nil, oops.Code("WEBAUTHN_CREDENTIAL_KIND_MISMATCH").
			With("want", string(c.Kind)).
			With("got", string(cred.Kind)).
			Wrapf(auth.ErrVerificationFailed, "credential kind does not match the challenge")
	}

	user, err := e.users.GetByID(ctx, cred.UserID)
	if err != nil {
		return nil, oops.Code("WEBAUTHN_AUTHENTICATION_FAILED").With("operation", "get user").Wrap(err)
	}
	verified, err := e.rp.FinishLogin(&Account{User: user, Credentials: []*auth.WebAuthnCredential{cred}}, c.Session, assertion)
	if err != nil {
		return nil, err
	}

	now := e.now()
	if !counterAdvanced(cred.SignCount, verified.SignCount) {
		return nil, e.flagReplay(ctx, cred, verified.SignCount, now)
	}
	advanced, err := e.creds.AdvanceSignCount(ctx, cred.CredentialID, verified.SignCount, now)
	if err != nil {
		return nil, oops.Code("WEBAUTHN_AUTHENTICATION_FAILED").With("operation", "advance sign count").Wrap(err)
	}
	if !advanced {
		// A concurrent assertion stored the same or a higher counter first.
		return nil, e.flagReplay(ctx, cred, verified.SignCount, now)
	}

	cred.SignCount = verified.SignCount
	cred.BackupState = verified.BackupState
	cred.LastUsedAt = &now
	return cred, nil
}

func (e *Engine) flagReplay(ctx context.Context, cred *auth.WebAuthnCredential, presented uint32, at time.Time) error {
	e.logger.WarnContext(ctx, "webauthn signature counter did not advance",
		"user_id", cred.UserID.String(),
		"stored", cred.SignCount,
		"presented", presented)
	if err := e.creds.Flag(ctx, cred.CredentialID, at); err != nil {
		return oops.Code("WEBAUTHN_FLAG_FAILED").With("user_id", cred.UserID.String()).Wrap(err)
	}
	return oops.Code("WEBAUTHN_REPLAY").
		With("user_id", cred.UserID.String()).
		With("stored", cred.SignCount).
		With("presented", presented).
		Wrapf(auth.ErrReplayDetected, "signature counter did not advance")
}

// counterAdvanced reports whether presented is acceptable after stored.
// Authenticators without a counter always report zero, so 0 after 0 passes
// and offers no clone detection.
func counterAdvanced(stored, presented uint32) bool {
	if stored == 0 && presented == 0 {
		return true
	}
	return presented > stored
}

func credentialName(name string, kind auth.CredentialKind) string {
	name = strings.TrimSpace(name)
	if name == "" {
		if kind == auth.CredentialSecurityKey {
			return "Security key"
		}
		return "Passkey"
	}
	if utf8.RuneCountInString(name) > MaxCredentialNameLength {
		name = string([]rune(name)[:MaxCredentialNameLength])
	}
	return name
}

func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return auth.KindOf(err).String()
}
