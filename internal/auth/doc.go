// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

// Package auth provides the account and session core of Warden.
//
// # Domain Types
//
// Domain types should be created with their constructors:
//   - NewUser - validates and normalizes the email address
//   - NewSession - validates the owner, token hash and expiry
//   - NewPasswordReset - validates the owner and sets the expiry
//
// Repository implementations receive pre-validated types from these
// constructors. Only hashes of bearer secrets (session tokens, reset tokens,
// verification codes) are ever persisted.
//
// # Services
//
//   - SessionManager - create, validate, renew and invalidate sessions
//   - Service - registration, password sign-in, email verification and
//     password reset
//
// Errors returned by this package and its siblings wrap one of the sentinel
// errors in errors.go; KindOf classifies any of them into a Kind.
package auth
