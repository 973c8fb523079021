// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package twofactor

import (
	"context"
	"encoding/json"

	"github.com/samber/oops"

	"github.com/warden-auth/warden/internal/auth"
	"github.com/warden-auth/warden/internal/observability"
	"github.com/warden-auth/warden/internal/passkey"
)

// BeginWebAuthnEnrollment starts registering a passkey or security key.
func (c *Coordinator) BeginWebAuthnEnrollment(ctx context.Context, user *auth.User, session *auth.Session, kind auth.CredentialKind) (*passkey.Challenge, json.RawMessage, error) {
	if err := requireEnrollable(user, session); err != nil {
		return nil, nil, err
	}
	return c.engine.BeginRegistration(ctx, user, kind)
}

// CompleteWebAuthnEnrollment finishes a registration started by
// BeginWebAuthnEnrollment. The session is not verified by enrolling.
func (c *Coordinator) CompleteWebAuthnEnrollment(ctx context.Context, user *auth.User, session *auth.Session, ref, name string, response []byte) (*auth.WebAuthnCredential, *Enrollment, error) {
	if err := requireEnrollable(user, session); err != nil {
		return nil, nil, err
	}
	var cred *auth.WebAuthnCredential
	enrollment, err := c.enroll(ctx, user, func(ctx context.Context) error {
		var err error
		cred, err = c.engine.CompleteRegistration(ctx, ref, user, name, response)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	switch cred.Kind {
	case auth.CredentialPasskey:
		user.RegisteredPasskey = true
	case auth.CredentialSecurityKey:
		user.RegisteredSecurityKey = true
	}
	return cred, enrollment, nil
}

// BeginWebAuthnVerification issues a step-up challenge for user's
// credentials of kind.
func (c *Coordinator) BeginWebAuthnVerification(ctx context.Context, user *auth.User, session *auth.Session, kind auth.CredentialKind) (*passkey.Challenge, json.RawMessage, error) {
	if err := checkOwner(user, session); err != nil {
		return nil, nil, err
	}
	return c.engine.BeginAuthentication(ctx, user, kind)
}

// CompleteWebAuthnVerification checks the assertion and marks the session
// verified. The credential must belong to the session's user.
func (c *Coordinator) CompleteWebAuthnVerification(ctx context.Context, user *auth.User, session *auth.Session, ref string, response []byte) error {
	if err := checkOwner(user, session); err != nil {
		return err
	}
	cred, err := c.engine.CompleteAuthentication(ctx, ref, response)
	if err != nil {
		observability.RecordTwoFactor("webauthn", auth.KindOf(err).String())
		return err
	}
	if cred.UserID != user.ID {
		observability.RecordTwoFactor(string(cred.Kind), "failure")
		return oops.Code("WEBAUTHN_CREDENTIAL_USER_MISMATCH").
			With("user_id", user.ID.String()).
			Wrapf(auth.ErrVerificationFailed, "credential belongs to another user")
	}
	if err := c.markVerified(ctx, session); err != nil {
		return err
	}
	observability.RecordTwoFactor(string(cred.Kind), "success")
	return nil
}

// RemoveWebAuthnCredential deletes one of the user's credentials. The
// session must be verified and another factor must remain.
func (c *Coordinator) RemoveWebAuthnCredential(ctx context.Context, user *auth.User, session *auth.Session, credentialID []byte) error {
	if err := requireVerified(user, session); err != nil {
		return err
	}
	n, err := c.factorCount(ctx, user)
	if err != nil {
		return oops.Code("WEBAUTHN_REMOVE_FAILED").Wrap(err)
	}
	cred, err := c.webauthn.GetByCredentialID(ctx, credentialID)
	if err != nil || cred.UserID != user.ID {
		return oops.Code("WEBAUTHN_CREDENTIAL_NOT_FOUND").Wrapf(auth.ErrNotFound, "credential not found")
	}
	if n <= 1 {
		return lastFactorError(user)
	}
	if err := c.webauthn.Delete(ctx, user.ID, credentialID); err != nil {
		return oops.Code("WEBAUTHN_REMOVE_FAILED").With("user_id", user.ID.String()).Wrap(err)
	}
	c.logger.InfoContext(ctx, "webauthn credential removed", "user_id", user.ID.String(), "kind", string(cred.Kind))
	return nil
}

// Credentials lists the user's WebAuthn credentials for display.
func (c *Coordinator) Credentials(ctx context.Context, user *auth.User) ([]*auth.WebAuthnCredential, error) {
	creds, err := c.webauthn.ListByUser(ctx, user.ID, "")
	if err != nil {
		return nil, oops.Code("WEBAUTHN_LIST_FAILED").With("user_id", user.ID.String()).Wrap(err)
	}
	return creds, nil
}
