// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package auth

import "errors"

// Sentinel errors shared by every authentication component. Callers wrap
// them with an oops code and context; classification uses errors.Is.
var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	ErrRateLimited         = errors.New("rate limited")
	ErrInvalidSession      = errors.New("invalid session")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrAccountLocked       = errors.New("account locked")
	ErrInvalidInput        = errors.New("invalid input")
	ErrEmailTaken          = errors.New("email already registered")
	ErrVerificationFailed  = errors.New("verification failed")
	ErrChallengeInvalid    = errors.New("challenge invalid or expired")
	ErrAttestationInvalid  = errors.New("attestation invalid")
	ErrReplayDetected      = errors.New("signature counter replay detected")
	ErrStateMismatch       = errors.New("oauth state mismatch")
	ErrExternalProvider    = errors.New("external provider error")
	ErrAccountLinkRequired = errors.New("account link requires confirmation")
	ErrStepUpRequired      = errors.New("two-factor step-up required")
	ErrNoFactorRegistered  = errors.New("no two-factor method registered")
)

// Kind is the closed set of outcomes an authentication error can have.
type Kind int

// Error kinds, ordered roughly by how often they occur.
const (
	KindFatal Kind = iota
	KindRateLimited
	KindInvalidSession
	KindInvalidCredentials
	KindInvalidInput
	KindVerificationFailed
	KindChallengeInvalid
	KindAttestationInvalid
	KindReplayDetected
	KindStateMismatch
	KindExternalProvider
	KindConflict
	KindStepUpRequired
	KindNotFound
)

var kindNames = map[Kind]string{
	KindFatal:              "fatal",
	KindRateLimited:        "rate_limited",
	KindInvalidSession:     "invalid_session",
	KindInvalidCredentials: "invalid_credentials",
	KindInvalidInput:       "invalid_input",
	KindVerificationFailed: "verification_failed",
	KindChallengeInvalid:   "challenge_invalid",
	KindAttestationInvalid: "attestation_invalid",
	KindReplayDetected:     "replay_detected",
	KindStateMismatch:      "state_mismatch",
	KindExternalProvider:   "external_provider",
	KindConflict:           "conflict",
	KindStepUpRequired:     "step_up_required",
	KindNotFound:           "not_found",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

var kindBySentinel = []struct {
	err  error
	kind Kind
}{
	{ErrRateLimited, KindRateLimited},
	{ErrInvalidSession, KindInvalidSession},
	{ErrInvalidCredentials, KindInvalidCredentials},
	{ErrAccountLocked, KindInvalidCredentials},
	{ErrInvalidInput, KindInvalidInput},
	{ErrVerificationFailed, KindVerificationFailed},
	{ErrChallengeInvalid, KindChallengeInvalid},
	{ErrAttestationInvalid, KindAttestationInvalid},
	{ErrReplayDetected, KindReplayDetected},
	{ErrStateMismatch, KindStateMismatch},
	{ErrExternalProvider, KindExternalProvider},
	{ErrEmailTaken, KindConflict},
	{ErrAccountLinkRequired, KindConflict},
	{ErrStepUpRequired, KindStepUpRequired},
	{ErrNoFactorRegistered, KindStepUpRequired},
	{ErrNotFound, KindNotFound},
}

// KindOf classifies err. Errors that wrap none of the sentinels are fatal.
func KindOf(err error) Kind {
	for _, entry := range kindBySentinel {
		if errors.Is(err, entry.err) {
			return entry.kind
		}
	}
	return KindFatal
}
