// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

//go:build integration

package postgres_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warden-auth/warden/internal/auth"
	"github.com/warden-auth/warden/internal/auth/postgres"
)

func createTestUser(ctx context.Context, t *testing.T, store auth.Store, email string) *auth.User {
	t.Helper()
	user, err := auth.NewUser(email, "hash", true)
	require.NoError(t, err)
	require.NoError(t, store.Users.Create(ctx, user))
	t.Cleanup(func() {
		_, _ = testPool.Exec(ctx, `DELETE FROM users WHERE id = $1`, user.ID.String())
	})
	return user
}

func TestUserRepository_Integration(t *testing.T) {
	ctx := context.Background()
	store := postgres.NewStore(testPool)
	user := createTestUser(ctx, t, store, "Grace@Example.com")

	t.Run("email lookup is case-insensitive", func(t *testing.T) {
		got, err := store.Users.GetByEmail(ctx, "GRACE@example.COM")
		require.NoError(t, err)
		assert.Equal(t, user.ID, got.ID)
	})

	t.Run("duplicate email", func(t *testing.T) {
		dup, err := auth.NewUser("grace@example.com", "hash", false)
		require.NoError(t, err)
		assert.ErrorIs(t, store.Users.Create(ctx, dup), auth.ErrEmailTaken)
	})

	t.Run("factor flags follow credentials", func(t *testing.T) {
		require.NoError(t, store.TOTP.Upsert(ctx, &auth.TOTPCredential{UserID: user.ID, Secret: []byte("sealed"), CreatedAt: time.Now()}))
		require.NoError(t, store.WebAuthn.Create(ctx, &auth.WebAuthnCredential{
			CredentialID: []byte("sk-" + user.ID.String()),
			UserID:       user.ID,
			Kind:         auth.CredentialSecurityKey,
			PublicKey:    []byte("pk"),
			CreatedAt:    time.Now(),
		}))

		got, err := store.Users.GetByID(ctx, user.ID)
		require.NoError(t, err)
		assert.True(t, got.RegisteredTOTP)
		assert.False(t, got.RegisteredPasskey)
		assert.True(t, got.RegisteredSecurityKey)
	})

	t.Run("login state round trip", func(t *testing.T) {
		now := time.Now().UTC().Truncate(time.Microsecond)
		user.FailedAttempts = 7
		user.LockedUntil = &now
		require.NoError(t, store.Users.UpdateLoginState(ctx, user))

		got, err := store.Users.GetByID(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, 7, got.FailedAttempts)
		require.NotNil(t, got.LockedUntil)
		assert.True(t, now.Equal(*got.LockedUntil))
	})
}

func TestSessionRepository_Integration(t *testing.T) {
	ctx := context.Background()
	store := postgres.NewStore(testPool)
	user := createTestUser(ctx, t, store, "session@example.com")
	now := time.Now().UTC().Truncate(time.Microsecond)

	newSession := func(t *testing.T, expires time.Time) *auth.Session {
		t.Helper()
		_, hash, err := auth.GenerateSessionToken()
		require.NoError(t, err)
		s, err := auth.NewSession(user.ID, hash, auth.ClientMeta{UserAgent: "test", IPAddress: "192.0.2.1"}, now, expires)
		require.NoError(t, err)
		require.NoError(t, store.Sessions.Create(ctx, s))
		return s
	}

	t.Run("create and get by token hash", func(t *testing.T) {
		s := newSession(t, now.Add(time.Hour))
		got, err := store.Sessions.GetByTokenHash(ctx, s.TokenHash)
		require.NoError(t, err)
		assert.Equal(t, s.ID, got.ID)
		assert.False(t, got.TwoFactorVerified)
		assert.Equal(t, "192.0.2.1", got.IPAddress)
	})

	t.Run("renew and verify touch separate columns", func(t *testing.T) {
		s := newSession(t, now.Add(time.Hour))
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.Sessions.Renew(ctx, s.ID, now.Add(48*time.Hour), now))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, store.Sessions.SetTwoFactorVerified(ctx, s.ID))
		}()
		wg.Wait()

		got, err := store.Sessions.GetByID(ctx, s.ID)
		require.NoError(t, err)
		assert.True(t, got.TwoFactorVerified)
		assert.True(t, now.Add(48*time.Hour).Equal(got.ExpiresAt))
	})

	t.Run("delete by user keeps one", func(t *testing.T) {
		keep := newSession(t, now.Add(time.Hour))
		newSession(t, now.Add(time.Hour))

		_, err := store.Sessions.DeleteByUser(ctx, user.ID, keep.ID)
		require.NoError(t, err)
		_, err = store.Sessions.GetByID(ctx, keep.ID)
		require.NoError(t, err)
	})

	t.Run("delete expired", func(t *testing.T) {
		expired := newSession(t, now.Add(-time.Minute))
		n, err := store.Sessions.DeleteExpired(ctx, now)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(1))
		_, err = store.Sessions.GetByID(ctx, expired.ID)
		assert.ErrorIs(t, err, auth.ErrNotFound)
	})

	t.Run("transaction rollback discards writes", func(t *testing.T) {
		var id ulid.ULID
		err := store.Tx.InTransaction(ctx, func(ctx context.Context) error {
			_, hash, _ := auth.GenerateSessionToken()
			s, err := auth.NewSession(user.ID, hash, auth.ClientMeta{}, now, now.Add(time.Hour))
			if err != nil {
				return err
			}
			id = s.ID
			if err := store.Sessions.Create(ctx, s); err != nil {
				return err
			}
			return auth.ErrInvalidSession
		})
		require.ErrorIs(t, err, auth.ErrInvalidSession)
		_, err = store.Sessions.GetByID(ctx, id)
		assert.ErrorIs(t, err, auth.ErrNotFound)
	})
}

func TestWebAuthnCredentialRepository_Integration(t *testing.T) {
	ctx := context.Background()
	store := postgres.NewStore(testPool)
	user := createTestUser(ctx, t, store, "webauthn@example.com")
	now := time.Now().UTC().Truncate(time.Microsecond)

	cred := &auth.WebAuthnCredential{
		CredentialID:   []byte("pk-" + user.ID.String()),
		UserID:         user.ID,
		Kind:           auth.CredentialPasskey,
		Name:           "laptop",
		PublicKey:      []byte("public"),
		SignCount:      5,
		Transports:     []string{"internal", "hybrid"},
		BackupEligible: true,
		CreatedAt:      now,
	}
	require.NoError(t, store.WebAuthn.Create(ctx, cred))
	assert.ErrorIs(t, store.WebAuthn.Create(ctx, cred), auth.ErrAttestationInvalid)

	got, err := store.WebAuthn.GetByCredentialID(ctx, cred.CredentialID)
	require.NoError(t, err)
	assert.Equal(t, []string{"internal", "hybrid"}, got.Transports)
	assert.True(t, got.BackupEligible)

	ok, err := store.WebAuthn.AdvanceSignCount(ctx, cred.CredentialID, 5, now)
	require.NoError(t, err)
	assert.False(t, ok, "equal counter must not advance")

	ok, err = store.WebAuthn.AdvanceSignCount(ctx, cred.CredentialID, 6, now)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.WebAuthn.Flag(ctx, cred.CredentialID, now))
	ok, err = store.WebAuthn.AdvanceSignCount(ctx, cred.CredentialID, 100, now)
	require.NoError(t, err)
	assert.False(t, ok, "flagged credentials never advance")

	list, err := store.WebAuthn.ListByUser(ctx, user.ID, auth.CredentialSecurityKey)
	require.NoError(t, err)
	assert.Empty(t, list)
	list, err = store.WebAuthn.ListByUser(ctx, user.ID, "")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.WebAuthn.Delete(ctx, user.ID, cred.CredentialID))
	assert.ErrorIs(t, store.WebAuthn.Delete(ctx, user.ID, cred.CredentialID), auth.ErrNotFound)
}

func TestOAuthAndResetRepositories_Integration(t *testing.T) {
	ctx := context.Background()
	store := postgres.NewStore(testPool)
	user := createTestUser(ctx, t, store, "linked@example.com")
	now := time.Now().UTC().Truncate(time.Microsecond)

	account := &auth.OAuthAccount{Provider: "github", ProviderUserID: "42", UserID: user.ID, Email: user.Email, CreatedAt: now}
	require.NoError(t, store.OAuthAccounts.Create(ctx, account))
	assert.ErrorIs(t, store.OAuthAccounts.Create(ctx, account), auth.ErrAccountLinkRequired)

	got, err := store.OAuthAccounts.Get(ctx, "github", "42")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.UserID)

	_, hash, err := auth.GenerateSessionToken()
	require.NoError(t, err)
	reset, err := auth.NewPasswordReset(user.ID, hash, now)
	require.NoError(t, err)
	require.NoError(t, store.PasswordResets.Create(ctx, reset))

	found, err := store.PasswordResets.GetByTokenHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, reset.ID, found.ID)

	n, err := store.PasswordResets.DeleteExpired(ctx, now.Add(auth.ResetTokenExpiry))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))
	_, err = store.PasswordResets.GetByTokenHash(ctx, hash)
	assert.ErrorIs(t, err, auth.ErrNotFound)
}
