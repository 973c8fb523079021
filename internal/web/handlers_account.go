// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package web

import (
	"net/http"

	"github.com/samber/oops"

	"github.com/warden-auth/warden/internal/auth"
	"github.com/warden-auth/warden/internal/twofactor"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	user, session, token, err := s.accounts.Register(r.Context(), req.Email, req.Password, clientMeta(r))
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	s.signIn(w, session, token)
	writeJSON(w, http.StatusCreated, struct {
		User userView `json:"user"`
		nextView
	}{viewUser(user), next(user, session)})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	session, token, err := s.accounts.Login(r.Context(), req.Email, req.Password, clientMeta(r))
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	v, err := s.sessions.ValidateSession(r.Context(), token)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	s.signIn(w, session, token)
	writeJSON(w, http.StatusOK, next(v.User, v.Session))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	if !p.signedIn() {
		// Drop any stale cookie even though there is nothing to revoke.
		s.cookies.clearSession(w)
		writeError(w, r, s.logger, oops.Code("LOGOUT_WITHOUT_SESSION").Wrapf(auth.ErrInvalidSession, "logout requires a session"))
		return
	}
	if err := s.accounts.Logout(r.Context(), p.session.ID); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	s.cookies.clearSession(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	_, skipped := readCookie(r, SkipReminderCookie)
	writeJSON(w, http.StatusOK, struct {
		User             userView    `json:"user"`
		Session          sessionView `json:"session"`
		State            string      `json:"state"`
		RemindEnrollment bool        `json:"remind_enrollment"`
		nextView
	}{
		User: viewUser(p.user),
		Session: sessionView{
			ID:                p.session.ID.String(),
			TwoFactorVerified: p.session.TwoFactorVerified,
			ExpiresAt:         p.session.ExpiresAt,
		},
		State:            twofactor.StateOf(p.user, p.session).String(),
		RemindEnrollment: twofactor.ShouldRemindEnrollment(p.user, skipped),
		nextView:         next(p.user, p.session),
	})
}

type codeRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	p := principalFrom(r.Context())
	if err := s.accounts.VerifyEmail(r.Context(), p.user, req.Code); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, next(p.user, p.session))
}

func (s *Server) handleResendEmail(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	if err := s.accounts.IssueEmailVerification(r.Context(), p.user); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type forgotRequest struct {
	Email string `json:"email"`
}

func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	if err := s.accounts.RequestPasswordReset(r.Context(), req.Email); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type resetRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	if _, err := s.accounts.ResetPassword(r.Context(), req.Token, req.Password); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	// Every session of the user is gone, including this browser's.
	s.cookies.clearSession(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProtected(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"user_id": p.user.ID.String(),
		"email":   p.user.Email,
	})
}

// signIn sets the session cookie for a freshly created session.
func (s *Server) signIn(w http.ResponseWriter, session *auth.Session, token string) {
	s.cookies.setSession(w, token, session.ExpiresAt)
}
