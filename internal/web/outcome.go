// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/warden-auth/warden/internal/auth"
	"github.com/warden-auth/warden/pkg/errutil"
)

// Outcome is the HTTP rendering of a failed action.
type Outcome struct {
	Status  int
	Kind    auth.Kind
	Message string
}

// OutcomeOf maps err to its HTTP outcome. Every auth.Kind has exactly one
// status.
func OutcomeOf(err error) Outcome {
	kind := auth.KindOf(err)
	o := Outcome{Kind: kind}
	switch kind {
	case auth.KindRateLimited:
		o.Status, o.Message = http.StatusTooManyRequests, "too many requests"
	case auth.KindInvalidSession:
		o.Status, o.Message = http.StatusUnauthorized, "sign in required"
	case auth.KindInvalidCredentials:
		o.Status, o.Message = http.StatusUnauthorized, "invalid email or password"
		if errors.Is(err, auth.ErrAccountLocked) {
			o.Message = "account is temporarily locked"
		}
	case auth.KindInvalidInput:
		o.Status, o.Message = http.StatusBadRequest, publicMessage(err, "invalid request")
	case auth.KindVerificationFailed:
		o.Status, o.Message = http.StatusBadRequest, "verification failed"
	case auth.KindChallengeInvalid:
		o.Status, o.Message = http.StatusForbidden, "challenge is invalid or expired"
	case auth.KindAttestationInvalid:
		o.Status, o.Message = http.StatusForbidden, "authenticator could not be registered"
	case auth.KindReplayDetected:
		o.Status, o.Message = http.StatusForbidden, "authenticator has been disabled"
	case auth.KindStateMismatch:
		o.Status, o.Message = http.StatusForbidden, "sign-in request is invalid or expired"
	case auth.KindStepUpRequired:
		o.Status, o.Message = http.StatusForbidden, "two-factor verification required"
	case auth.KindConflict:
		o.Status, o.Message = http.StatusConflict, "conflict"
		switch {
		case errors.Is(err, auth.ErrEmailTaken):
			o.Message = "email is already registered"
		case errors.Is(err, auth.ErrAccountLinkRequired):
			o.Message = "sign in to your existing account to link this identity"
		}
	case auth.KindExternalProvider:
		o.Status, o.Message = http.StatusBadGateway, "identity provider is unavailable"
	case auth.KindNotFound:
		o.Status, o.Message = http.StatusNotFound, "not found"
	default:
		o.Status, o.Message = http.StatusInternalServerError, "internal error"
	}
	return o
}

// Refusal reports whether the outcome is a security refusal worth a
// warning in the log.
func (o Outcome) Refusal() bool {
	switch o.Kind {
	case auth.KindChallengeInvalid, auth.KindReplayDetected, auth.KindStateMismatch, auth.KindAttestationInvalid:
		return true
	default:
		return false
	}
}

// publicMessage returns the message of an input validation error without
// the sentinel suffix. Those messages are written for end users.
func publicMessage(err error, fallback string) string {
	msg := strings.TrimSuffix(err.Error(), ": "+auth.ErrInvalidInput.Error())
	if msg == "" || msg == auth.ErrInvalidInput.Error() {
		return fallback
	}
	return msg
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeError renders err and logs it at a level matching its outcome.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	o := OutcomeOf(err)
	switch {
	case o.Kind == auth.KindFatal:
		errutil.LogErrorContext(r.Context(), logger, "request failed", err)
	case o.Refusal():
		logger.WarnContext(r.Context(), "request refused",
			"path", r.URL.Path,
			"kind", o.Kind.String(),
			"error", err)
	default:
		logger.DebugContext(r.Context(), "request rejected",
			"path", r.URL.Path,
			"kind", o.Kind.String(),
			"error", err)
	}
	writeJSON(w, o.Status, errorBody{Error: o.Kind.String(), Message: o.Message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // client may have gone away
	json.NewEncoder(w).Encode(payload)
}
