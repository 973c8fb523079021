// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package web

import (
	"net/http"
	"time"
)

func (s *Server) handleTOTPSetup(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	setup, err := s.twoFactor.BeginTOTPEnrollment(r.Context(), p.user, p.session)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Secret    string    `json:"secret"`
		URL       string    `json:"url"`
		ExpiresAt time.Time `json:"expires_at"`
	}{setup.Secret, setup.URL, setup.ExpiresAt})
}

func (s *Server) handleTOTPConfirm(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	p := principalFrom(r.Context())
	enrollment, err := s.twoFactor.CompleteTOTPEnrollment(r.Context(), p.user, p.session, req.Code)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	resp := next(p.user, p.session)
	resp.RecoveryCode = enrollment.RecoveryCode
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleTOTPVerify(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	p := principalFrom(r.Context())
	if err := s.twoFactor.VerifyTOTP(r.Context(), p.user, p.session, req.Code); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, next(p.user, p.session))
}

func (s *Server) handleTOTPDelete(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	if err := s.twoFactor.RemoveTOTP(r.Context(), p.user, p.session); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRecoveryReset(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	p := principalFrom(r.Context())
	code, err := s.twoFactor.ResetWithRecoveryCode(r.Context(), p.user, p.session, req.Code)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	resp := next(p.user, p.session)
	resp.RecoveryCode = code
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSkipReminder(w http.ResponseWriter, _ *http.Request) {
	s.cookies.setSkipReminder(w, s.now())
	w.WriteHeader(http.StatusNoContent)
}
