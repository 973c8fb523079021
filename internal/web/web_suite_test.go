// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package web_test

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/warden-auth/warden/internal/auth"
	"github.com/warden-auth/warden/internal/auth/memstore"
	"github.com/warden-auth/warden/internal/ephemeral"
	"github.com/warden-auth/warden/internal/oauth"
	"github.com/warden-auth/warden/internal/passkey"
	"github.com/warden-auth/warden/internal/passkey/mocks"
	"github.com/warden-auth/warden/internal/ratelimit"
	"github.com/warden-auth/warden/internal/twofactor"
	"github.com/warden-auth/warden/internal/web"
)

func TestWeb(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Web Suite")
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []auth.Message
}

func (m *recordingMailer) Send(_ context.Context, msg auth.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *recordingMailer) last() auth.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	Expect(m.sent).NotTo(BeEmpty())
	return m.sent[len(m.sent)-1]
}

// harness runs the full HTTP surface over in-process stores, a fake GitHub
// and a mocked relying party.
type harness struct {
	store  auth.Store
	hasher *auth.Argon2idHasher
	mailer *recordingMailer
	rp     *mocks.MockRelyingParty
	github *httptest.Server
	server *httptest.Server
	client *http.Client
}

var testHasherParams = auth.Argon2Params{Memory: 1024, Time: 1, Threads: 1}

func newHarness(limits ratelimit.Config) *harness {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		store:  memstore.New().Store(),
		hasher: auth.NewArgon2idHasher(testHasherParams),
		mailer: &recordingMailer{},
		rp:     mocks.NewMockRelyingParty(GinkgoT()),
	}

	sessions, err := auth.NewSessionManager(h.store, auth.DefaultSessionConfig(), logger)
	Expect(err).NotTo(HaveOccurred())

	ephemeralStore := ephemeral.NewMemoryStore(time.Minute)
	DeferCleanup(ephemeralStore.Close)

	accounts, err := auth.NewAuthService(h.store, sessions, h.hasher, ephemeralStore, h.mailer, logger)
	Expect(err).NotTo(HaveOccurred())

	engine, err := passkey.NewEngine(h.rp, h.store, ephemeralStore, logger)
	Expect(err).NotTo(HaveOccurred())

	key := make([]byte, auth.SecretSealerKeySize)
	_, err = rand.Read(key)
	Expect(err).NotTo(HaveOccurred())
	sealer, err := auth.NewSecretSealer(key)
	Expect(err).NotTo(HaveOccurred())

	coordinator, err := twofactor.NewCoordinator(h.store, sessions, engine, sealer, ephemeralStore, twofactor.Config{}, logger)
	Expect(err).NotTo(HaveOccurred())

	h.github = newFakeGitHub()
	DeferCleanup(h.github.Close)
	github := oauth.NewGitHubProvider(oauth.ProviderConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "http://localhost/oauth/github/callback",
		AuthURL:      h.github.URL + "/login/oauth/authorize",
		TokenURL:     h.github.URL + "/login/oauth/access_token",
		APIURL:       h.github.URL,
	}, h.github.Client())
	linker, err := oauth.NewLinker(h.store, sessions, ephemeralStore, []*oauth.Provider{github}, oauth.Config{}, logger)
	Expect(err).NotTo(HaveOccurred())

	limiter, err := ratelimit.New(limits)
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(limiter.Close)

	srv, err := web.NewServer(web.Config{RateLimitKey: ratelimit.KeyRemoteAddr}, web.Deps{
		Accounts:  accounts,
		Sessions:  sessions,
		TwoFactor: coordinator,
		Passkeys:  engine,
		OAuth:     linker,
		Limiter:   limiter,
		Logger:    logger,
	})
	Expect(err).NotTo(HaveOccurred())
	h.server = httptest.NewServer(srv.Handler())
	DeferCleanup(h.server.Close)

	jar, err := cookiejar.New(nil)
	Expect(err).NotTo(HaveOccurred())
	h.client = &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return h
}

func generousLimits() ratelimit.Config {
	return ratelimit.Config{
		Get:  ratelimit.Rule{Capacity: 1000, RefillInterval: time.Millisecond},
		Post: ratelimit.Rule{Capacity: 1000, RefillInterval: time.Millisecond},
	}
}

func newFakeGitHub() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /login/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("code") != "good-code" || r.PostForm.Get("code_verifier") == "" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"bad_verification_code"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"gho_token","token_type":"bearer"}`))
	})
	mux.HandleFunc("GET /user", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":42,"login":"octocat"}`))
	})
	mux.HandleFunc("GET /user/emails", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"email":"octo@example.com","primary":true,"verified":true}]`))
	})
	return httptest.NewServer(mux)
}

func (h *harness) do(method, path string, body any) *http.Response {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		Expect(err).NotTo(HaveOccurred())
		reader = strings.NewReader(string(raw))
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	Expect(err).NotTo(HaveOccurred())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := h.client.Do(req)
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(resp.Body.Close)
	return resp
}

func (h *harness) get(path string) *http.Response {
	return h.do(http.MethodGet, path, nil)
}

func (h *harness) post(path string, body any) *http.Response {
	return h.do(http.MethodPost, path, body)
}

func decode[T any](resp *http.Response) T {
	var v T
	Expect(json.NewDecoder(resp.Body).Decode(&v)).To(Succeed())
	return v
}

func (h *harness) createUser(email, password string) *auth.User {
	hash, err := h.hasher.Hash(password)
	Expect(err).NotTo(HaveOccurred())
	user, err := auth.NewUser(email, hash, true)
	Expect(err).NotTo(HaveOccurred())
	Expect(h.store.Users.Create(context.Background(), user)).To(Succeed())
	return user
}

func ceremony(challenge string) *passkey.Ceremony {
	return &passkey.Ceremony{
		Options:     json.RawMessage(`{"publicKey":{"challenge":"` + challenge + `"}}`),
		SessionData: []byte(`{"challenge":"` + challenge + `"}`),
		Challenge:   []byte(challenge),
	}
}
