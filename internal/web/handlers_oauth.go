// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/warden-auth/warden/internal/auth"
	"github.com/warden-auth/warden/internal/twofactor"
	"github.com/warden-auth/warden/pkg/errutil"
)

// handleOAuthBegin redirects to the provider. With ?link=1 an
// authenticated user attaches the identity to their account.
func (s *Server) handleOAuthBegin(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	var linkUserID ulid.ULID
	if r.URL.Query().Get("link") == "1" {
		if !admit(w, r, twofactor.DestinationAuthenticated) {
			return
		}
		linkUserID = principalFrom(r.Context()).user.ID
	}

	authz, err := s.oauth.BeginAuthorization(r.Context(), provider, linkUserID)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	s.cookies.setOAuthState(w, authz.State, authz.ExpiresAt)
	http.Redirect(w, r, authz.URL, http.StatusSeeOther)
}

// handleOAuthCallback finishes the sign-in. The state cookie is cleared on
// every path.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	q := r.URL.Query()
	bound, _ := readCookie(r, OAuthStateCookieName)
	s.cookies.clearOAuthState(w)

	if providerErr := q.Get("error"); providerErr != "" {
		writeError(w, r, s.logger, oops.Code("OAUTH_PROVIDER_DENIED").
			With("provider", provider).
			With("error", providerErr).
			Wrapf(auth.ErrExternalProvider, "provider returned %s", providerErr))
		return
	}

	result, err := s.oauth.CompleteAuthorization(r.Context(), provider, q.Get("code"), q.Get("state"), bound, clientMeta(r))
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	if p := principalFrom(r.Context()); p.signedIn() {
		if err := s.sessions.InvalidateSession(r.Context(), p.session.ID); err != nil {
			errutil.LogErrorContext(r.Context(), s.logger, "failed to replace previous session", err)
		}
	}
	s.signIn(w, result.Session, result.Token)
	http.Redirect(w, r, string(twofactor.RequiredRedirectFor(result.User, result.Session)), http.StatusSeeOther)
}
