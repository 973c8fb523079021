// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package auth

import (
	"time"
)

// Password lockout configuration.
const (
	// LockoutDuration is the time an account is locked after too many failures.
	LockoutDuration = 15 * time.Minute

	// LockoutThreshold is the number of consecutive failures that locks an account.
	LockoutThreshold = 7

	// maxLoginDelay caps the advisory delay returned before lockout.
	maxLoginDelay = 32 * time.Second
)

// LockoutState describes how a password login attempt should be throttled.
type LockoutState struct {
	// Delay is the advisory wait before the next attempt.
	Delay time.Duration

	// Locked indicates the account is temporarily locked.
	Locked bool

	// Remaining is the time until the lock expires.
	Remaining time.Duration
}

// EvaluateLockout computes the lockout state for failures consecutive
// failed attempts at time now.
func EvaluateLockout(failures int, lockedUntil *time.Time, now time.Time) LockoutState {
	if IsLockedOutAt(lockedUntil, now) {
		return LockoutState{Locked: true, Remaining: lockedUntil.Sub(now)}
	}

	state := LockoutState{}
	// Progressive delay: 2^(failures-1) seconds.
	if failures > 0 && failures < LockoutThreshold {
		state.Delay = time.Duration(1<<(failures-1)) * time.Second
		if state.Delay > maxLoginDelay {
			state.Delay = maxLoginDelay
		}
	}
	if failures >= LockoutThreshold {
		state.Locked = true
		state.Remaining = LockoutDuration
	}
	return state
}

// IsLockedOutAt returns true if lockedUntil is after now.
func IsLockedOutAt(lockedUntil *time.Time, now time.Time) bool {
	return lockedUntil != nil && lockedUntil.After(now)
}

// LockoutUntil returns the lock expiry for the given failure count, or nil
// when the threshold has not been reached.
func LockoutUntil(failures int, now time.Time) *time.Time {
	if failures < LockoutThreshold {
		return nil
	}
	until := now.Add(LockoutDuration)
	return &until
}
