// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package web

import (
	"context"
	"net"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/warden-auth/warden/internal/auth"
	"github.com/warden-auth/warden/internal/twofactor"
)

type contextKey struct{}

// principal is the session resolved for a request, if any.
type principal struct {
	user    *auth.User
	session *auth.Session
}

func withPrincipal(ctx context.Context, p *principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// principalFrom returns the resolved session. User and session are nil for
// anonymous requests.
func principalFrom(ctx context.Context) *principal {
	if p, ok := ctx.Value(contextKey{}).(*principal); ok {
		return p
	}
	return &principal{}
}

func (p *principal) signedIn() bool {
	return p.user != nil && p.session != nil
}

func clientMeta(r *http.Request) auth.ClientMeta {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return auth.ClientMeta{UserAgent: r.UserAgent(), IPAddress: host}
}

// loadSession resolves the session cookie. Invalid sessions clear the
// cookie and continue anonymously; a renewed session reissues it.
func (s *Server) loadSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := readCookie(r, SessionCookieName)
		if !ok {
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), &principal{})))
			return
		}

		v, err := s.sessions.ValidateSession(r.Context(), token)
		if err != nil {
			if auth.KindOf(err) != auth.KindInvalidSession {
				writeError(w, r, s.logger, err)
				return
			}
			s.cookies.clearSession(w)
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), &principal{})))
			return
		}
		if v.Renewed {
			s.cookies.setSession(w, token, v.Session.ExpiresAt)
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), &principal{user: v.User, session: v.Session})))
	})
}

// stepUp lists every verification destination. A user may step up with any
// registered factor, not only the preferred one.
var stepUp = []twofactor.Destination{
	twofactor.DestinationStepUpPasskey,
	twofactor.DestinationStepUpSecurityKey,
	twofactor.DestinationStepUpTOTP,
}

// admit reports whether the request may proceed to a route serving the
// given destinations. Otherwise it answers 303 with the destination the
// request must go to first.
func admit(w http.ResponseWriter, r *http.Request, serves ...twofactor.Destination) bool {
	p := principalFrom(r.Context())
	required := twofactor.RequiredRedirectFor(p.user, p.session)
	if slices.Contains(serves, required) {
		return true
	}
	w.Header().Set("Location", string(required))
	w.WriteHeader(http.StatusSeeOther)
	return false
}

// gate is admit as middleware.
func gate(serves ...twofactor.Destination) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if admit(w, r, serves...) {
				next.ServeHTTP(w, r)
			}
		})
	}
}

// countRequests records the matched route pattern and final status of each
// request. Requests that match no route are labelled "unmatched".
func countRequests(counter *prometheus.CounterVec) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			counter.WithLabelValues(route, strconv.Itoa(status)).Inc()
		})
	}
}

// echoRequestID returns the request ID assigned by middleware.RequestID so
// clients can quote it when reporting a failure.
func echoRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			w.Header().Set(middleware.RequestIDHeader, id)
		}
		next.ServeHTTP(w, r)
	})
}
