// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/warden-auth/warden/internal/auth"
	"github.com/warden-auth/warden/internal/auth/memstore"
	"github.com/warden-auth/warden/internal/auth/mocks"
	"github.com/warden-auth/warden/internal/ephemeral"
	"github.com/warden-auth/warden/pkg/errutil"
)

func TestNewAuthService_NilDependencies(t *testing.T) {
	store := memstore.New().Store()
	sessions, err := auth.NewSessionManager(store, auth.DefaultSessionConfig(), discardLogger())
	require.NoError(t, err)
	codes := ephemeral.NewMemoryStore(time.Hour)
	t.Cleanup(func() { _ = codes.Close() })
	hasher := mocks.NewMockPasswordHasher(t)
	mailer := mocks.NewMockMailer(t)

	tests := []struct {
		name        string
		build       func() (*auth.Service, error)
		expectError string
	}{
		{"nil users", func() (*auth.Service, error) {
			return auth.NewAuthService(auth.Store{PasswordResets: store.PasswordResets}, sessions, hasher, codes, mailer, discardLogger())
		}, "users repository is required"},
		{"nil session manager", func() (*auth.Service, error) {
			return auth.NewAuthService(store, nil, hasher, codes, mailer, discardLogger())
		}, "session manager is required"},
		{"nil hasher", func() (*auth.Service, error) {
			return auth.NewAuthService(store, sessions, nil, codes, mailer, discardLogger())
		}, "password hasher is required"},
		{"nil mailer", func() (*auth.Service, error) {
			return auth.NewAuthService(store, sessions, hasher, codes, nil, discardLogger())
		}, "mailer is required"},
		{"nil logger", func() (*auth.Service, error) {
			return auth.NewAuthService(store, sessions, hasher, codes, mailer, nil)
		}, "logger is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := tt.build()
			require.Error(t, err)
			assert.Nil(t, svc)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestService_Register(t *testing.T) {
	ctx := context.Background()

	t.Run("creates user, sends code and signs in", func(t *testing.T) {
		f := newFixture(t)
		user, session, token, err := f.service.Register(ctx, "New@Example.com", "correct horse", auth.ClientMeta{})
		require.NoError(t, err)
		assert.Equal(t, "new@example.com", user.Email)
		assert.False(t, user.EmailVerified)
		assert.Equal(t, user.ID, session.UserID)
		assert.NotEmpty(t, token)

		msg := f.mailer.last()
		assert.Equal(t, auth.MessageEmailVerification, msg.Kind)
		assert.Equal(t, "new@example.com", msg.To)
		assert.Len(t, msg.Secret, auth.EmailCodeLength)
	})

	t.Run("rejects taken email", func(t *testing.T) {
		f := newFixture(t)
		_, _, _, err := f.service.Register(ctx, "dup@example.com", "correct horse", auth.ClientMeta{})
		require.NoError(t, err)

		_, _, _, err = f.service.Register(ctx, "DUP@example.com", "another pass", auth.ClientMeta{})
		require.Error(t, err)
		assert.Equal(t, auth.KindConflict, auth.KindOf(err))
	})

	t.Run("rejects short password", func(t *testing.T) {
		f := newFixture(t)
		_, _, _, err := f.service.Register(ctx, "short@example.com", "123", auth.ClientMeta{})
		require.Error(t, err)
		assert.Equal(t, auth.KindInvalidInput, auth.KindOf(err))
	})
}

func TestService_Login(t *testing.T) {
	ctx := context.Background()

	t.Run("valid credentials create an unverified session", func(t *testing.T) {
		f := newFixture(t)
		user, _, _, err := f.service.Register(ctx, "alice@example.com", "correct horse", auth.ClientMeta{})
		require.NoError(t, err)

		session, token, err := f.service.Login(ctx, "alice@example.com", "correct horse", auth.ClientMeta{IPAddress: "192.0.2.1"})
		require.NoError(t, err)
		assert.Equal(t, user.ID, session.UserID)
		assert.False(t, session.TwoFactorVerified)
		assert.Len(t, token, 64)
	})

	t.Run("wrong password and unknown email look the same", func(t *testing.T) {
		f := newFixture(t)
		_, _, _, err := f.service.Register(ctx, "bob@example.com", "correct horse", auth.ClientMeta{})
		require.NoError(t, err)

		_, _, errWrong := f.service.Login(ctx, "bob@example.com", "wrong password", auth.ClientMeta{})
		_, _, errUnknown := f.service.Login(ctx, "nobody@example.com", "wrong password", auth.ClientMeta{})
		require.Error(t, errWrong)
		require.Error(t, errUnknown)
		assert.Equal(t, errWrong.Error(), errUnknown.Error())
		errutil.AssertErrorCode(t, errWrong, "AUTH_INVALID_CREDENTIALS")
		errutil.AssertErrorCode(t, errUnknown, "AUTH_INVALID_CREDENTIALS")
	})

	t.Run("locks after repeated failures", func(t *testing.T) {
		f := newFixture(t)
		_, _, _, err := f.service.Register(ctx, "carol@example.com", "correct horse", auth.ClientMeta{})
		require.NoError(t, err)

		for i := 0; i < auth.LockoutThreshold; i++ {
			_, _, err := f.service.Login(ctx, "carol@example.com", "nope nope", auth.ClientMeta{})
			require.Error(t, err)
		}

		_, _, err = f.service.Login(ctx, "carol@example.com", "correct horse", auth.ClientMeta{})
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "AUTH_ACCOUNT_LOCKED")

		f.clock.Advance(auth.LockoutDuration + time.Second)
		_, _, err = f.service.Login(ctx, "carol@example.com", "correct horse", auth.ClientMeta{})
		require.NoError(t, err)

		user, err := f.store.Users.GetByEmail(ctx, "carol@example.com")
		require.NoError(t, err)
		assert.Zero(t, user.FailedAttempts)
	})

	t.Run("unknown email still verifies a hash", func(t *testing.T) {
		store := memstore.New().Store()
		sessions, err := auth.NewSessionManager(store, auth.DefaultSessionConfig(), discardLogger())
		require.NoError(t, err)
		codes := ephemeral.NewMemoryStore(time.Hour)
		t.Cleanup(func() { _ = codes.Close() })
		hasher := mocks.NewMockPasswordHasher(t)
		svc, err := auth.NewAuthService(store, sessions, hasher, codes, mocks.NewMockMailer(t), discardLogger())
		require.NoError(t, err)

		hasher.On("Verify", "password123", mock.AnythingOfType("string")).Return(false, nil).Once()

		session, token, err := svc.Login(ctx, "ghost@example.com", "password123", auth.ClientMeta{})
		require.Error(t, err)
		assert.Nil(t, session)
		assert.Empty(t, token)
	})
}

func TestService_VerifyEmail(t *testing.T) {
	ctx := context.Background()

	t.Run("correct code verifies", func(t *testing.T) {
		f := newFixture(t)
		user, _, _, err := f.service.Register(ctx, "dave@example.com", "correct horse", auth.ClientMeta{})
		require.NoError(t, err)
		code := f.mailer.last().Secret

		require.NoError(t, f.service.VerifyEmail(ctx, user, " "+code+" "))
		assert.True(t, user.EmailVerified)

		stored, err := f.store.Users.GetByID(ctx, user.ID)
		require.NoError(t, err)
		assert.True(t, stored.EmailVerified)
	})

	t.Run("wrong code keeps the real one usable until attempts run out", func(t *testing.T) {
		f := newFixture(t)
		user, _, _, err := f.service.Register(ctx, "erin@example.com", "correct horse", auth.ClientMeta{})
		require.NoError(t, err)
		code := f.mailer.last().Secret

		err = f.service.VerifyEmail(ctx, user, "WRONGONE")
		require.ErrorIs(t, err, auth.ErrVerificationFailed)
		require.NoError(t, f.service.VerifyEmail(ctx, user, code))
	})

	t.Run("attempt budget is enforced", func(t *testing.T) {
		f := newFixture(t)
		user, _, _, err := f.service.Register(ctx, "fay@example.com", "correct horse", auth.ClientMeta{})
		require.NoError(t, err)
		code := f.mailer.last().Secret

		for i := 0; i < auth.EmailCodeMaxAttempts; i++ {
			require.Error(t, f.service.VerifyEmail(ctx, user, "WRONGONE"))
		}
		assert.ErrorIs(t, f.service.VerifyEmail(ctx, user, code), auth.ErrVerificationFailed)
	})

	t.Run("expired code fails", func(t *testing.T) {
		f := newFixture(t)
		user, _, _, err := f.service.Register(ctx, "gus@example.com", "correct horse", auth.ClientMeta{})
		require.NoError(t, err)
		code := f.mailer.last().Secret

		f.clock.Advance(auth.EmailCodeTTL)
		assert.ErrorIs(t, f.service.VerifyEmail(ctx, user, code), auth.ErrVerificationFailed)
	})
}

func TestService_PasswordReset(t *testing.T) {
	ctx := context.Background()

	t.Run("resets password and revokes sessions", func(t *testing.T) {
		f := newFixture(t)
		_, _, oldToken, err := f.service.Register(ctx, "hal@example.com", "correct horse", auth.ClientMeta{})
		require.NoError(t, err)

		require.NoError(t, f.service.RequestPasswordReset(ctx, "hal@example.com"))
		msg := f.mailer.last()
		require.Equal(t, auth.MessagePasswordReset, msg.Kind)

		_, err = f.service.ResetPassword(ctx, msg.Secret, "battery staple")
		require.NoError(t, err)

		_, err = f.sessions.ValidateSession(ctx, oldToken)
		assert.ErrorIs(t, err, auth.ErrInvalidSession)

		_, _, err = f.service.Login(ctx, "hal@example.com", "battery staple", auth.ClientMeta{})
		require.NoError(t, err)

		_, err = f.service.ResetPassword(ctx, msg.Secret, "third password")
		assert.ErrorIs(t, err, auth.ErrVerificationFailed, "reset tokens are single use")
	})

	t.Run("unknown email is silent", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.service.RequestPasswordReset(ctx, "nobody@example.com"))
		assert.Empty(t, f.mailer.sent)
	})

	t.Run("expired token fails", func(t *testing.T) {
		f := newFixture(t)
		_, _, _, err := f.service.Register(ctx, "ivy@example.com", "correct horse", auth.ClientMeta{})
		require.NoError(t, err)
		require.NoError(t, f.service.RequestPasswordReset(ctx, "ivy@example.com"))
		token := f.mailer.last().Secret

		f.clock.Advance(auth.ResetTokenExpiry)
		_, err = f.service.ResetPassword(ctx, token, "battery staple")
		errutil.AssertErrorCode(t, err, "RESET_TOKEN_EXPIRED")
	})
}
