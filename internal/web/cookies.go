// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package web

import (
	"net/http"
	"strings"
	"time"
)

// Cookie names.
const (
	SessionCookieName    = "warden_session"
	OAuthStateCookieName = "warden_oauth_state"
	SkipReminderCookie   = "warden_2fa_skip"
)

const (
	oauthStateCookiePath = "/oauth/"
	skipReminderMaxAge   = 365 * 24 * time.Hour
)

// cookieJar writes the cookies this service owns.
type cookieJar struct {
	secure bool
}

func readCookie(r *http.Request, name string) (string, bool) {
	cookie, err := r.Cookie(name)
	if err != nil {
		return "", false
	}
	value := strings.TrimSpace(cookie.Value)
	return value, value != ""
}

func (j cookieJar) setSession(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt.UTC(),
		HttpOnly: true,
		Secure:   j.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (j cookieJar) clearSession(w http.ResponseWriter) {
	j.clear(w, SessionCookieName, "/")
}

// setOAuthState binds an authorization state to the browser. Lax is
// required so the cookie survives the top-level redirect back from the
// provider.
func (j cookieJar) setOAuthState(w http.ResponseWriter, state string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     OAuthStateCookieName,
		Value:    state,
		Path:     oauthStateCookiePath,
		Expires:  expiresAt.UTC(),
		HttpOnly: true,
		Secure:   j.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (j cookieJar) clearOAuthState(w http.ResponseWriter) {
	j.clear(w, OAuthStateCookieName, oauthStateCookiePath)
}

func (j cookieJar) setSkipReminder(w http.ResponseWriter, now time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     SkipReminderCookie,
		Value:    "1",
		Path:     "/",
		Expires:  now.Add(skipReminderMaxAge).UTC(),
		MaxAge:   int(skipReminderMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   j.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (j cookieJar) clear(w http.ResponseWriter, name, path string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		Expires:  time.Unix(0, 0).UTC(),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   j.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
