// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warden-auth/warden/internal/auth"
	"github.com/warden-auth/warden/internal/auth/memstore"
)

func TestNewSessionManager_Validation(t *testing.T) {
	store := memstore.New().Store()

	tests := []struct {
		name        string
		store       auth.Store
		cfg         auth.SessionConfig
		expectError string
	}{
		{"nil users", auth.Store{Sessions: store.Sessions, Tx: store.Tx}, auth.DefaultSessionConfig(), "users repository is required"},
		{"nil sessions", auth.Store{Users: store.Users, Tx: store.Tx}, auth.DefaultSessionConfig(), "sessions repository is required"},
		{"nil transactor", auth.Store{Users: store.Users, Sessions: store.Sessions}, auth.DefaultSessionConfig(), "transactor is required"},
		{"zero ttl", store, auth.SessionConfig{}, "TTL must be positive"},
		{"renew window beyond ttl", store, auth.SessionConfig{TTL: time.Hour, RenewWithin: 2 * time.Hour}, "renew window"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := auth.NewSessionManager(tt.store, tt.cfg, discardLogger())
			require.Error(t, err)
			assert.Nil(t, m)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}

	_, err := auth.NewSessionManager(store, auth.DefaultSessionConfig(), nil)
	assert.ErrorContains(t, err, "logger")
}

func TestSessionManager_CreateAndValidate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.createUser(t, "alice@example.com")

	session, token, err := f.sessions.CreateSession(ctx, user.ID, auth.ClientMeta{UserAgent: "test"}, "password")
	require.NoError(t, err)
	assert.Len(t, token, 64)
	assert.NotEqual(t, token, session.TokenHash)
	assert.False(t, session.TwoFactorVerified)
	assert.Equal(t, f.clock.Now().Add(auth.DefaultSessionTTL), session.ExpiresAt)

	v, err := f.sessions.ValidateSession(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, session.ID, v.Session.ID)
	assert.Equal(t, user.ID, v.User.ID)
	assert.False(t, v.Renewed)
}

func TestSessionManager_ValidateRejectsUnknownToken(t *testing.T) {
	f := newFixture(t)

	_, err := f.sessions.ValidateSession(context.Background(), "deadbeef")
	assert.ErrorIs(t, err, auth.ErrInvalidSession)
	assert.Equal(t, auth.KindInvalidSession, auth.KindOf(err))

	_, err = f.sessions.ValidateSession(context.Background(), "")
	assert.ErrorIs(t, err, auth.ErrInvalidSession)
}

func TestSessionManager_ExpiredSessionIsInvalidAndDeleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.createUser(t, "bob@example.com")

	session, token, err := f.sessions.CreateSession(ctx, user.ID, auth.ClientMeta{}, "password")
	require.NoError(t, err)

	f.clock.Advance(auth.DefaultSessionTTL)
	_, err = f.sessions.ValidateSession(ctx, token)
	require.ErrorIs(t, err, auth.ErrInvalidSession)

	_, err = f.store.Sessions.GetByID(ctx, session.ID)
	assert.ErrorIs(t, err, auth.ErrNotFound, "expired session row must be removed")
}

func TestSessionManager_SlidingRenewal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.createUser(t, "carol@example.com")

	_, token, err := f.sessions.CreateSession(ctx, user.ID, auth.ClientMeta{}, "password")
	require.NoError(t, err)

	// Still more than RenewWithin left: no renewal.
	f.clock.Advance(auth.DefaultSessionTTL - auth.DefaultSessionRenewWithin - time.Hour)
	v, err := f.sessions.ValidateSession(ctx, token)
	require.NoError(t, err)
	assert.False(t, v.Renewed)

	// Inside the window: expiry moves to now+TTL.
	f.clock.Advance(2 * time.Hour)
	v, err = f.sessions.ValidateSession(ctx, token)
	require.NoError(t, err)
	assert.True(t, v.Renewed)
	assert.Equal(t, f.clock.Now().Add(auth.DefaultSessionTTL), v.Session.ExpiresAt)

	stored, err := f.store.Sessions.GetByID(ctx, v.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, v.Session.ExpiresAt, stored.ExpiresAt)
}

func TestSessionManager_CreateVerifiedSession(t *testing.T) {
	ctx := context.Background()

	t.Run("starts verified", func(t *testing.T) {
		f := newFixture(t)
		user := f.createUser(t, "carol@example.com")
		require.NoError(t, f.store.TOTP.Upsert(ctx, &auth.TOTPCredential{UserID: user.ID, Secret: []byte("x")}))

		session, token, err := f.sessions.CreateVerifiedSession(ctx, user.ID, auth.ClientMeta{}, "passkey")
		require.NoError(t, err)
		assert.True(t, session.TwoFactorVerified)

		v, err := f.sessions.ValidateSession(ctx, token)
		require.NoError(t, err)
		assert.True(t, v.Session.TwoFactorVerified)
	})

	t.Run("without a factor nothing is stored", func(t *testing.T) {
		f := newFixture(t)
		user := f.createUser(t, "carol@example.com")

		_, _, err := f.sessions.CreateVerifiedSession(ctx, user.ID, auth.ClientMeta{}, "passkey")
		assert.ErrorIs(t, err, auth.ErrNoFactorRegistered)

		n, err := f.sessions.InvalidateUserSessions(ctx, user.ID, ulid.ULID{})
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestSessionManager_MarkTwoFactorVerified(t *testing.T) {
	ctx := context.Background()

	t.Run("requires a registered factor", func(t *testing.T) {
		f := newFixture(t)
		user := f.createUser(t, "dave@example.com")
		session, _, err := f.sessions.CreateSession(ctx, user.ID, auth.ClientMeta{}, "password")
		require.NoError(t, err)

		err = f.sessions.MarkTwoFactorVerified(ctx, session.ID)
		assert.ErrorIs(t, err, auth.ErrNoFactorRegistered)

		stored, err := f.store.Sessions.GetByID(ctx, session.ID)
		require.NoError(t, err)
		assert.False(t, stored.TwoFactorVerified)
	})

	t.Run("marks session with factor", func(t *testing.T) {
		f := newFixture(t)
		user := f.createUser(t, "erin@example.com")
		require.NoError(t, f.store.TOTP.Upsert(ctx, &auth.TOTPCredential{UserID: user.ID, Secret: []byte("x")}))
		session, _, err := f.sessions.CreateSession(ctx, user.ID, auth.ClientMeta{}, "password")
		require.NoError(t, err)

		require.NoError(t, f.sessions.MarkTwoFactorVerified(ctx, session.ID))
		stored, err := f.store.Sessions.GetByID(ctx, session.ID)
		require.NoError(t, err)
		assert.True(t, stored.TwoFactorVerified)
	})

	t.Run("unknown session is invalid", func(t *testing.T) {
		f := newFixture(t)
		err := f.sessions.MarkTwoFactorVerified(ctx, ulid.Make())
		assert.ErrorIs(t, err, auth.ErrInvalidSession)
	})

	t.Run("expired session is invalid", func(t *testing.T) {
		f := newFixture(t)
		user := f.createUser(t, "frank@example.com")
		require.NoError(t, f.store.TOTP.Upsert(ctx, &auth.TOTPCredential{UserID: user.ID, Secret: []byte("x")}))
		session, _, err := f.sessions.CreateSession(ctx, user.ID, auth.ClientMeta{}, "password")
		require.NoError(t, err)

		f.clock.Advance(auth.DefaultSessionTTL + time.Second)
		err = f.sessions.MarkTwoFactorVerified(ctx, session.ID)
		assert.ErrorIs(t, err, auth.ErrInvalidSession)
	})
}

func TestSessionManager_ConcurrentRenewAndVerifyKeepBothWrites(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.createUser(t, "gina@example.com")
	require.NoError(t, f.store.TOTP.Upsert(ctx, &auth.TOTPCredential{UserID: user.ID, Secret: []byte("x")}))

	session, token, err := f.sessions.CreateSession(ctx, user.ID, auth.ClientMeta{}, "password")
	require.NoError(t, err)
	f.clock.Advance(auth.DefaultSessionTTL - time.Hour)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := f.sessions.ValidateSession(ctx, token)
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		assert.NoError(t, f.sessions.MarkTwoFactorVerified(ctx, session.ID))
	}()
	wg.Wait()

	stored, err := f.store.Sessions.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, stored.TwoFactorVerified)
	assert.Equal(t, f.clock.Now().Add(auth.DefaultSessionTTL), stored.ExpiresAt)
}

func TestSessionManager_Invalidate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.createUser(t, "hank@example.com")

	session, token, err := f.sessions.CreateSession(ctx, user.ID, auth.ClientMeta{}, "password")
	require.NoError(t, err)

	require.NoError(t, f.sessions.InvalidateSession(ctx, session.ID))
	require.NoError(t, f.sessions.InvalidateSession(ctx, session.ID), "invalidate is idempotent")

	_, err = f.sessions.ValidateSession(ctx, token)
	assert.ErrorIs(t, err, auth.ErrInvalidSession)
}

func TestSessionManager_InvalidateUserSessionsAndSweep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.createUser(t, "iris@example.com")

	keep, _, err := f.sessions.CreateSession(ctx, user.ID, auth.ClientMeta{}, "password")
	require.NoError(t, err)
	_, _, err = f.sessions.CreateSession(ctx, user.ID, auth.ClientMeta{}, "password")
	require.NoError(t, err)

	n, err := f.sessions.InvalidateUserSessions(ctx, user.ID, keep.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	f.clock.Advance(auth.DefaultSessionTTL)
	n, err = f.sessions.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
