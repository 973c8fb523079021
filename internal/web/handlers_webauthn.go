// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/oops"

	"github.com/warden-auth/warden/internal/auth"
	"github.com/warden-auth/warden/internal/passkey"
	"github.com/warden-auth/warden/internal/twofactor"
)

type challengeResponse struct {
	Ref       string          `json:"ref"`
	Purpose   passkey.Purpose `json:"purpose"`
	Challenge string          `json:"challenge"`
	ExpiresAt time.Time       `json:"expires_at"`
	Options   json.RawMessage `json:"options"`
}

// handleWebAuthnChallenge issues a registration challenge to an
// authenticated session, a step-up challenge to a session that must verify,
// or a discoverable passkey sign-in challenge to an anonymous client.
func (s *Server) handleWebAuthnChallenge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	purpose, err := passkey.ParsePurpose(q.Get("purpose"))
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	kind := auth.CredentialKind(q.Get("kind"))
	p := principalFrom(r.Context())

	var (
		c       *passkey.Challenge
		options json.RawMessage
	)
	switch {
	case purpose == passkey.PurposeRegistration:
		if !admit(w, r, twofactor.DestinationAuthenticated) {
			return
		}
		c, options, err = s.twoFactor.BeginWebAuthnEnrollment(r.Context(), p.user, p.session, kind)
	case p.signedIn():
		if !admit(w, r, stepUp...) {
			return
		}
		c, options, err = s.twoFactor.BeginWebAuthnVerification(r.Context(), p.user, p.session, kind)
	default:
		if kind != "" && kind != auth.CredentialPasskey {
			err = oops.Code("WEBAUTHN_DISCOVERABLE_KIND").
				With("kind", string(kind)).
				Wrapf(auth.ErrInvalidInput, "only passkeys can sign in without a password")
			break
		}
		c, options, err = s.passkeys.BeginAuthentication(r.Context(), nil, auth.CredentialPasskey)
	}
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, challengeResponse{
		Ref:       c.Ref,
		Purpose:   c.Purpose,
		Challenge: passkey.EncodeChallenge(c.Challenge),
		ExpiresAt: c.ExpiresAt,
		Options:   options,
	})
}

type registerRequest struct {
	Ref      string          `json:"ref"`
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

// handleWebAuthnRegister completes a registration. The credential kind is
// the one the challenge was issued for; the route kind must only be valid.
func (s *Server) handleWebAuthnRegister(w http.ResponseWriter, r *http.Request) {
	if _, err := auth.ParseCredentialKind(chi.URLParam(r, "kind")); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	p := principalFrom(r.Context())
	cred, enrollment, err := s.twoFactor.CompleteWebAuthnEnrollment(r.Context(), p.user, p.session, req.Ref, req.Name, req.Response)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	resp := next(p.user, p.session)
	resp.RecoveryCode = enrollment.RecoveryCode
	writeJSON(w, http.StatusCreated, struct {
		Credential credentialView `json:"credential"`
		nextView
	}{viewCredential(cred), resp})
}

type verifyRequest struct {
	Ref      string          `json:"ref"`
	Response json.RawMessage `json:"response"`
}

func (s *Server) handleWebAuthnVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	p := principalFrom(r.Context())
	if p.signedIn() {
		if err := s.twoFactor.CompleteWebAuthnVerification(r.Context(), p.user, p.session, req.Ref, req.Response); err != nil {
			writeError(w, r, s.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, next(p.user, p.session))
		return
	}
	s.passkeySignIn(w, r, req)
}

// passkeySignIn completes a discoverable sign-in. The passkey is both the
// primary and the second factor, so the new session starts verified.
func (s *Server) passkeySignIn(w http.ResponseWriter, r *http.Request, req verifyRequest) {
	ctx := r.Context()
	cred, err := s.passkeys.CompleteAuthentication(ctx, req.Ref, req.Response)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	_, token, err := s.sessions.CreateVerifiedSession(ctx, cred.UserID, clientMeta(r), "passkey")
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	v, err := s.sessions.ValidateSession(ctx, token)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	s.signIn(w, v.Session, token)
	writeJSON(w, http.StatusOK, next(v.User, v.Session))
}

func (s *Server) handleWebAuthnCredentials(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	creds, err := s.twoFactor.Credentials(r.Context(), p.user)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	views := make([]credentialView, 0, len(creds))
	for _, c := range creds {
		views = append(views, viewCredential(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"credentials": views})
}

func (s *Server) handleWebAuthnDelete(w http.ResponseWriter, r *http.Request) {
	id, err := passkey.DecodeCredentialID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	p := principalFrom(r.Context())
	if err := s.twoFactor.RemoveWebAuthnCredential(r.Context(), p.user, p.session, id); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
