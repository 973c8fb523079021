// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package auth_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warden-auth/warden/internal/auth"
	"github.com/warden-auth/warden/internal/auth/memstore"
	"github.com/warden-auth/warden/internal/ephemeral"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
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
	return m.sent[len(m.sent)-1]
}

type fixture struct {
	store    auth.Store
	clock    *testClock
	sessions *auth.SessionManager
	service  *auth.Service
	mailer   *recordingMailer
	codes    *ephemeral.MemoryStore
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	store := memstore.New().Store()

	sessions, err := auth.NewSessionManager(store, auth.DefaultSessionConfig(), discardLogger(), auth.WithSessionClock(clock.Now))
	require.NoError(t, err)

	codes := ephemeral.NewMemoryStore(time.Hour, ephemeral.WithMemoryClock(clock.Now))
	t.Cleanup(func() { _ = codes.Close() })

	mailer := &recordingMailer{}
	svc, err := auth.NewAuthService(store, sessions, auth.NewArgon2idHasher(testArgon2Params), codes, mailer, discardLogger(),
		auth.WithServiceClock(clock.Now))
	require.NoError(t, err)

	return &fixture{store: store, clock: clock, sessions: sessions, service: svc, mailer: mailer, codes: codes}
}

func (f *fixture) createUser(t *testing.T, email string) *auth.User {
	t.Helper()
	user, err := auth.NewUser(email, "", true)
	require.NoError(t, err)
	require.NoError(t, f.store.Users.Create(context.Background(), user))
	return user
}
