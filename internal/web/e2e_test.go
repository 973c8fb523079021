// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package web_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/stretchr/testify/mock"

	"github.com/warden-auth/warden/internal/auth"
	"github.com/warden-auth/warden/internal/passkey"
	"github.com/warden-auth/warden/internal/ratelimit"
	"github.com/warden-auth/warden/internal/web"
)

type nextBody struct {
	Next         string `json:"next"`
	RecoveryCode string `json:"recovery_code"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type challengeBody struct {
	Ref       string          `json:"ref"`
	Purpose   string          `json:"purpose"`
	Challenge string          `json:"challenge"`
	Options   json.RawMessage `json:"options"`
}

func sessionCookie(resp *http.Response) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == web.SessionCookieName {
			return c
		}
	}
	return nil
}

var _ = Describe("OAuth sign-in", func() {
	var h *harness

	BeforeEach(func() {
		h = newHarness(generousLimits())
	})

	startAuthorization := func() string {
		resp := h.get("/oauth/github")
		Expect(resp.StatusCode).To(Equal(http.StatusSeeOther))
		location, err := url.Parse(resp.Header.Get("Location"))
		Expect(err).NotTo(HaveOccurred())
		Expect(location.String()).To(HavePrefix(h.github.URL + "/login/oauth/authorize"))
		Expect(location.Query().Get("code_challenge_method")).To(Equal("S256"))
		state := location.Query().Get("state")
		Expect(state).NotTo(BeEmpty())
		return state
	}

	It("creates the github user 42 and signs them in", func() {
		state := startAuthorization()

		resp := h.get("/oauth/github/callback?code=good-code&state=" + url.QueryEscape(state))
		Expect(resp.StatusCode).To(Equal(http.StatusSeeOther))
		Expect(resp.Header.Get("Location")).To(Equal("/app"))
		cookie := sessionCookie(resp)
		Expect(cookie).NotTo(BeNil())
		Expect(cookie.HttpOnly).To(BeTrue())
		Expect(cookie.SameSite).To(Equal(http.SameSiteLaxMode))

		account, err := h.store.OAuthAccounts.Get(context.Background(), "github", "42")
		Expect(err).NotTo(HaveOccurred())
		user, err := h.store.Users.GetByID(context.Background(), account.UserID)
		Expect(err).NotTo(HaveOccurred())
		Expect(user.Email).To(Equal("octo@example.com"))
		Expect(user.EmailVerified).To(BeTrue())

		Expect(h.get("/api/protected").StatusCode).To(Equal(http.StatusOK))
	})

	It("refuses a state that does not match the browser and creates no session", func() {
		startAuthorization()

		resp := h.get("/oauth/github/callback?code=good-code&state=forged")
		Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
		Expect(decode[errorBody](resp).Error).To(Equal("state_mismatch"))
		Expect(sessionCookie(resp)).To(BeNil())

		_, err := h.store.OAuthAccounts.Get(context.Background(), "github", "42")
		Expect(err).To(MatchError(auth.ErrNotFound))

		protected := h.get("/api/protected")
		Expect(protected.StatusCode).To(Equal(http.StatusSeeOther))
		Expect(protected.Header.Get("Location")).To(Equal("/signin"))
	})

	It("does not accept the same state twice", func() {
		state := startAuthorization()
		Expect(h.get("/oauth/github/callback?code=good-code&state=" + url.QueryEscape(state)).StatusCode).
			To(Equal(http.StatusSeeOther))

		resp := h.get("/oauth/github/callback?code=good-code&state=" + url.QueryEscape(state))
		Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
	})

	It("asks an existing password account to link instead of merging", func() {
		h.createUser("octo@example.com", "correct horse")
		state := startAuthorization()

		resp := h.get("/oauth/github/callback?code=good-code&state=" + url.QueryEscape(state))
		Expect(resp.StatusCode).To(Equal(http.StatusConflict))
		Expect(sessionCookie(resp)).To(BeNil())
	})

	It("links the identity from a signed-in session", func() {
		user := h.createUser("octo@example.com", "correct horse")
		login := h.post("/api/login", map[string]string{"email": "octo@example.com", "password": "correct horse"})
		Expect(login.StatusCode).To(Equal(http.StatusOK))

		resp := h.get("/oauth/github?link=1")
		Expect(resp.StatusCode).To(Equal(http.StatusSeeOther))
		location, err := url.Parse(resp.Header.Get("Location"))
		Expect(err).NotTo(HaveOccurred())

		callback := h.get("/oauth/github/callback?code=good-code&state=" + url.QueryEscape(location.Query().Get("state")))
		Expect(callback.StatusCode).To(Equal(http.StatusSeeOther))

		account, err := h.store.OAuthAccounts.Get(context.Background(), "github", "42")
		Expect(err).NotTo(HaveOccurred())
		Expect(account.UserID).To(Equal(user.ID))
	})

	It("reports a provider denial as a provider error", func() {
		startAuthorization()
		resp := h.get("/oauth/github/callback?error=access_denied")
		Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
	})
})

var _ = Describe("Passkey step-up", func() {
	var (
		h            *harness
		user         *auth.User
		recoveryCode string
	)

	login := func() nextBody {
		resp := h.post("/api/login", map[string]string{"email": "ada@example.com", "password": "correct horse"})
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		return decode[nextBody](resp)
	}

	beginAuthentication := func(challenge string) challengeBody {
		h.rp.On("BeginLogin", mock.Anything, auth.CredentialPasskey).Return(ceremony(challenge), nil).Once()
		resp := h.get("/api/webauthn/challenge?purpose=authentication&kind=passkey")
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		body := decode[challengeBody](resp)
		Expect(body.Challenge).To(Equal(passkey.EncodeChallenge([]byte(challenge))))
		return body
	}

	present := func(ref string, signCount uint32) *http.Response {
		h.rp.On("ParseAssertion", mock.Anything).Return(passkey.NewAssertion([]byte("cred-1"), user.ID[:]), nil).Once()
		h.rp.On("FinishLogin", mock.Anything, mock.Anything, mock.Anything).
			Return(&passkey.VerifiedAssertion{SignCount: signCount}, nil).Once()
		return h.post("/api/webauthn/verify", map[string]any{"ref": ref, "response": map[string]any{}})
	}

	BeforeEach(func() {
		h = newHarness(generousLimits())
		user = h.createUser("ada@example.com", "correct horse")
		Expect(login().Next).To(Equal("/app"))

		h.rp.On("BeginRegistration", mock.Anything, auth.CredentialPasskey).Return(ceremony("registration"), nil).Once()
		resp := h.get("/api/webauthn/challenge?purpose=registration&kind=passkey")
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		challenge := decode[challengeBody](resp)
		Expect(challenge.Purpose).To(Equal("registration"))

		h.rp.On("FinishRegistration", mock.Anything, mock.Anything, mock.Anything).
			Return(&auth.WebAuthnCredential{CredentialID: []byte("cred-1"), PublicKey: []byte("pk")}, nil).Once()
		resp = h.post("/api/webauthn/passkey/register", map[string]any{
			"ref":      challenge.Ref,
			"name":     "Laptop",
			"response": map[string]any{},
		})
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		enrolled := decode[nextBody](resp)
		Expect(enrolled.RecoveryCode).NotTo(BeEmpty())
		Expect(enrolled.Next).To(Equal("/2fa/passkey"))
		recoveryCode = enrolled.RecoveryCode
	})

	It("sends an unverified session to step-up until the passkey is presented", func() {
		protected := h.get("/api/protected")
		Expect(protected.StatusCode).To(Equal(http.StatusSeeOther))
		Expect(protected.Header.Get("Location")).To(Equal("/2fa/passkey"))

		challenge := beginAuthentication("step-up-1")
		resp := present(challenge.Ref, 5)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(decode[nextBody](resp).Next).To(Equal("/app"))

		Expect(h.get("/api/protected").StatusCode).To(Equal(http.StatusOK))
	})

	It("starts every new sign-in unverified", func() {
		challenge := beginAuthentication("step-up-1")
		Expect(present(challenge.Ref, 5).StatusCode).To(Equal(http.StatusOK))

		Expect(login().Next).To(Equal("/2fa/passkey"))
		Expect(h.get("/api/protected").StatusCode).To(Equal(http.StatusSeeOther))
	})

	It("disables a passkey whose counter goes backwards", func() {
		challenge := beginAuthentication("step-up-1")
		Expect(present(challenge.Ref, 5).StatusCode).To(Equal(http.StatusOK))

		Expect(login().Next).To(Equal("/2fa/passkey"))
		challenge = beginAuthentication("step-up-2")
		resp := present(challenge.Ref, 5)
		Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
		Expect(decode[errorBody](resp).Error).To(Equal("replay_detected"))

		cred, err := h.store.WebAuthn.GetByCredentialID(context.Background(), []byte("cred-1"))
		Expect(err).NotTo(HaveOccurred())
		Expect(cred.Flagged()).To(BeTrue())
		Expect(cred.SignCount).To(BeEquivalentTo(5))

		// The flagged credential is no longer offered.
		resp = h.get("/api/webauthn/challenge?purpose=authentication&kind=passkey")
		Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
		Expect(h.get("/api/protected").StatusCode).To(Equal(http.StatusSeeOther))
	})

	It("refuses a challenge that was already used", func() {
		challenge := beginAuthentication("step-up-1")
		Expect(present(challenge.Ref, 5).StatusCode).To(Equal(http.StatusOK))

		Expect(login().Next).To(Equal("/2fa/passkey"))
		resp := h.post("/api/webauthn/verify", map[string]any{"ref": challenge.Ref, "response": map[string]any{}})
		Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
		Expect(decode[errorBody](resp).Error).To(Equal("challenge_invalid"))
	})

	It("signs in with a discoverable passkey", func() {
		Expect(h.post("/api/logout", nil).StatusCode).To(Equal(http.StatusNoContent))

		h.rp.On("BeginLogin", (*passkey.Account)(nil), auth.CredentialPasskey).Return(ceremony("discoverable"), nil).Once()
		resp := h.get("/api/webauthn/challenge?purpose=authentication")
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		challenge := decode[challengeBody](resp)

		resp = present(challenge.Ref, 1)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(decode[nextBody](resp).Next).To(Equal("/app"))
		Expect(h.get("/api/protected").StatusCode).To(Equal(http.StatusOK))
	})

	It("refuses enrollment until the session steps up", func() {
		resp := h.get("/api/webauthn/challenge?purpose=registration&kind=security_key")
		Expect(resp.StatusCode).To(Equal(http.StatusSeeOther))
		Expect(resp.Header.Get("Location")).To(Equal("/2fa/passkey"))
	})

	It("resets factors with the recovery code", func() {
		resp := h.post("/api/2fa/reset", map[string]string{"code": "WRONG-CODE"})
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

		resp = h.post("/api/2fa/reset", map[string]string{"code": strings.ToLower(recoveryCode)})
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		reset := decode[nextBody](resp)
		Expect(reset.Next).To(Equal("/app"))
		Expect(reset.RecoveryCode).NotTo(BeEmpty())
		Expect(reset.RecoveryCode).NotTo(Equal(recoveryCode))

		_, err := h.store.WebAuthn.GetByCredentialID(context.Background(), []byte("cred-1"))
		Expect(err).To(MatchError(auth.ErrNotFound))
		Expect(h.get("/api/protected").StatusCode).To(Equal(http.StatusOK))
	})
})

var _ = Describe("Password accounts", func() {
	var h *harness

	BeforeEach(func() {
		h = newHarness(generousLimits())
	})

	It("verifies the email before granting access", func() {
		resp := h.post("/api/signup", map[string]string{"email": "Grace@Example.com", "password": "correct horse"})
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		Expect(decode[nextBody](resp).Next).To(Equal("/verify-email"))

		protected := h.get("/api/protected")
		Expect(protected.StatusCode).To(Equal(http.StatusSeeOther))
		Expect(protected.Header.Get("Location")).To(Equal("/verify-email"))

		msg := h.mailer.last()
		Expect(msg.Kind).To(Equal(auth.MessageEmailVerification))
		Expect(msg.To).To(Equal("grace@example.com"))

		resp = h.post("/api/email/verify", map[string]string{"code": msg.Secret})
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(decode[nextBody](resp).Next).To(Equal("/app"))
		Expect(h.get("/api/protected").StatusCode).To(Equal(http.StatusOK))
	})

	It("rejects duplicate emails", func() {
		h.createUser("grace@example.com", "correct horse")
		resp := h.post("/api/signup", map[string]string{"email": "grace@example.com", "password": "correct horse"})
		Expect(resp.StatusCode).To(Equal(http.StatusConflict))
	})

	It("rejects malformed bodies", func() {
		resp := h.post("/api/login", map[string]string{"email": "a@example.com", "pass": "x"})
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
	})

	It("does not reveal whether an email exists", func() {
		h.createUser("grace@example.com", "correct horse")
		wrong := h.post("/api/login", map[string]string{"email": "grace@example.com", "password": "wrong horse"})
		unknown := h.post("/api/login", map[string]string{"email": "nobody@example.com", "password": "wrong horse"})
		Expect(wrong.StatusCode).To(Equal(http.StatusUnauthorized))
		Expect(unknown.StatusCode).To(Equal(http.StatusUnauthorized))
		Expect(decode[errorBody](wrong)).To(Equal(decode[errorBody](unknown)))
	})

	It("resets the password and ends every session", func() {
		h.createUser("grace@example.com", "correct horse")
		Expect(h.post("/api/login", map[string]string{"email": "grace@example.com", "password": "correct horse"}).StatusCode).
			To(Equal(http.StatusOK))

		Expect(h.post("/api/password/forgot", map[string]string{"email": "grace@example.com"}).StatusCode).
			To(Equal(http.StatusAccepted))
		msg := h.mailer.last()
		Expect(msg.Kind).To(Equal(auth.MessagePasswordReset))

		resp := h.post("/api/password/reset", map[string]string{"token": msg.Secret, "password": "battery staple"})
		Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
		Expect(h.get("/api/protected").Header.Get("Location")).To(Equal("/signin"))

		Expect(h.post("/api/login", map[string]string{"email": "grace@example.com", "password": "battery staple"}).StatusCode).
			To(Equal(http.StatusOK))
	})

	It("reports the enrollment reminder until skipped", func() {
		h.createUser("grace@example.com", "correct horse")
		h.post("/api/login", map[string]string{"email": "grace@example.com", "password": "correct horse"})

		type summary struct {
			State            string `json:"state"`
			RemindEnrollment bool   `json:"remind_enrollment"`
		}
		s := decode[summary](h.get("/api/session"))
		Expect(s.State).To(Equal("no_factor_registered"))
		Expect(s.RemindEnrollment).To(BeTrue())

		Expect(h.post("/api/2fa/skip-reminder", nil).StatusCode).To(Equal(http.StatusNoContent))
		Expect(decode[summary](h.get("/api/session")).RemindEnrollment).To(BeFalse())
	})

	It("clears the cookie on logout", func() {
		h.createUser("grace@example.com", "correct horse")
		h.post("/api/login", map[string]string{"email": "grace@example.com", "password": "correct horse"})

		resp := h.post("/api/logout", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
		cookie := sessionCookie(resp)
		Expect(cookie).NotTo(BeNil())
		Expect(cookie.Value).To(BeEmpty())
		Expect(cookie.MaxAge).To(Equal(-1))
		Expect(h.get("/api/protected").Header.Get("Location")).To(Equal("/signin"))

		resp = h.post("/api/logout", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		Expect(decode[errorBody](resp).Error).To(Equal("invalid_session"))
	})
})

var _ = Describe("Rate limiting", func() {
	It("answers 429 before any handler runs", func() {
		h := newHarness(ratelimit.Config{
			Get:  ratelimit.Rule{Capacity: 100, RefillInterval: time.Hour},
			Post: ratelimit.Rule{Capacity: 1, RefillInterval: time.Hour},
		})
		h.createUser("grace@example.com", "correct horse")

		first := h.post("/api/login", map[string]string{"email": "grace@example.com", "password": "correct horse"})
		Expect(first.StatusCode).To(Equal(http.StatusOK))

		second := h.post("/api/login", map[string]string{"email": "grace@example.com", "password": "correct horse"})
		Expect(second.StatusCode).To(Equal(http.StatusTooManyRequests))
		body, err := io.ReadAll(second.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(strings.TrimSpace(string(body))).To(Equal("too many requests"))
		Expect(sessionCookie(second)).To(BeNil())

		Expect(h.get("/api/session").StatusCode).To(Equal(http.StatusOK))
	})
})
