// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package auth_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warden-auth/warden/internal/auth"
)

func TestEvaluateLockout(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("no failures returns no delay", func(t *testing.T) {
		state := auth.EvaluateLockout(0, nil, now)
		assert.Zero(t, state.Delay)
		assert.False(t, state.Locked)
	})

	t.Run("delay doubles per failure", func(t *testing.T) {
		assert.Equal(t, time.Second, auth.EvaluateLockout(1, nil, now).Delay)
		assert.Equal(t, 2*time.Second, auth.EvaluateLockout(2, nil, now).Delay)
		assert.Equal(t, 4*time.Second, auth.EvaluateLockout(3, nil, now).Delay)
		assert.Equal(t, 32*time.Second, auth.EvaluateLockout(6, nil, now).Delay)
	})

	t.Run("threshold locks the account", func(t *testing.T) {
		state := auth.EvaluateLockout(auth.LockoutThreshold, nil, now)
		assert.True(t, state.Locked)
		assert.Equal(t, auth.LockoutDuration, state.Remaining)
	})

	t.Run("existing lock reports remaining time", func(t *testing.T) {
		until := now.Add(10 * time.Minute)
		state := auth.EvaluateLockout(0, &until, now)
		assert.True(t, state.Locked)
		assert.Equal(t, 10*time.Minute, state.Remaining)
	})
}

func TestIsLockedOutAt(t *testing.T) {
	now := time.Now()

	assert.False(t, auth.IsLockedOutAt(nil, now))

	past := now.Add(-time.Hour)
	assert.False(t, auth.IsLockedOutAt(&past, now))

	future := now.Add(time.Hour)
	assert.True(t, auth.IsLockedOutAt(&future, now))
}

func TestLockoutUntil(t *testing.T) {
	now := time.Now()

	assert.Nil(t, auth.LockoutUntil(auth.LockoutThreshold-1, now))

	until := auth.LockoutUntil(auth.LockoutThreshold, now)
	require.NotNil(t, until)
	assert.Equal(t, now.Add(auth.LockoutDuration), *until)
}
