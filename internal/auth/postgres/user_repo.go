// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/warden-auth/warden/internal/auth"
)

// userColumns selects a user plus the derived factor flags.
const userColumns = `
	u.id, u.email, u.email_verified, u.password_hash, u.failed_attempts,
	u.locked_until, u.recovery_code_hash, u.created_at, u.updated_at,
	EXISTS (SELECT 1 FROM totp_credentials t WHERE t.user_id = u.id),
	EXISTS (SELECT 1 FROM webauthn_credentials w WHERE w.user_id = u.id AND w.kind = 'passkey'),
	EXISTS (SELECT 1 FROM webauthn_credentials w WHERE w.user_id = u.id AND w.kind = 'security_key')`

// UserRepository implements auth.UserRepository using PostgreSQL.
type UserRepository struct {
	pool querier
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(pool querier) *UserRepository {
	return &UserRepository{pool: pool}
}

// Create stores a new user.
func (r *UserRepository) Create(ctx context.Context, user *auth.User) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO users (
			id, email, email_verified, password_hash, failed_attempts,
			locked_until, recovery_code_hash, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		user.ID.String(),
		user.Email,
		user.EmailVerified,
		user.PasswordHash,
		user.FailedAttempts,
		user.LockedUntil,
		user.RecoveryCodeHash,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return oops.Code("USER_EMAIL_TAKEN").With("email", user.Email).Wrap(auth.ErrEmailTaken)
	}
	if err != nil {
		return oops.Code("USER_CREATE_FAILED").
			With("operation", "insert user").
			With("email", user.Email).
			Wrap(err)
	}
	return nil
}

// GetByID retrieves a user by ID.
func (r *UserRepository) GetByID(ctx context.Context, id ulid.ULID) (*auth.User, error) {
	row := conn(ctx, r.pool).QueryRow(ctx, `SELECT `+userColumns+` FROM users u WHERE u.id = $1`, id.String())

	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("USER_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("USER_GET_BY_ID_FAILED").With("id", id.String()).Wrap(err)
	}
	return user, nil
}

// GetByEmail retrieves a user by email (case-insensitive).
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*auth.User, error) {
	row := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+userColumns+` FROM users u WHERE LOWER(u.email) = LOWER(TRIM($1))`, email)

	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("USER_NOT_FOUND").With("email", email).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("USER_GET_BY_EMAIL_FAILED").With("email", email).Wrap(err)
	}
	return user, nil
}

// UpdateLoginState persists the failure counter and lock.
func (r *UserRepository) UpdateLoginState(ctx context.Context, user *auth.User) error {
	return r.exec(ctx, "USER_UPDATE_LOGIN_STATE_FAILED", user.ID, `
		UPDATE users SET failed_attempts = $2, locked_until = $3, updated_at = $4
		WHERE id = $1
	`, user.FailedAttempts, user.LockedUntil, time.Now())
}

// UpdatePassword replaces the password hash.
func (r *UserRepository) UpdatePassword(ctx context.Context, id ulid.ULID, passwordHash string) error {
	return r.exec(ctx, "USER_UPDATE_PASSWORD_FAILED", id, `
		UPDATE users SET password_hash = $2, updated_at = $3
		WHERE id = $1
	`, passwordHash, time.Now())
}

// MarkEmailVerified sets email_verified.
func (r *UserRepository) MarkEmailVerified(ctx context.Context, id ulid.ULID) error {
	return r.exec(ctx, "USER_VERIFY_EMAIL_FAILED", id, `
		UPDATE users SET email_verified = TRUE, updated_at = $2
		WHERE id = $1
	`, time.Now())
}

// SetRecoveryCodeHash swaps the recovery code hash when it still equals
// oldHash.
func (r *UserRepository) SetRecoveryCodeHash(ctx context.Context, id ulid.ULID, oldHash, newHash string) (bool, error) {
	result, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE users SET recovery_code_hash = $3, updated_at = $4
		WHERE id = $1 AND recovery_code_hash = $2
	`, id.String(), oldHash, newHash, time.Now())
	if err != nil {
		return false, oops.Code("USER_SET_RECOVERY_FAILED").With("id", id.String()).Wrap(err)
	}
	return result.RowsAffected() == 1, nil
}

// exec runs a single-row update keyed by id; args follow the id parameter.
func (r *UserRepository) exec(ctx context.Context, code string, id ulid.ULID, sql string, args ...any) error {
	result, err := conn(ctx, r.pool).Exec(ctx, sql, append([]any{id.String()}, args...)...)
	if err != nil {
		return oops.Code(code).With("id", id.String()).Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("USER_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	return nil
}

// scanUser scans a single row into a User.
// Callers are responsible for handling pgx.ErrNoRows.
func scanUser(row pgx.Row) (*auth.User, error) {
	var (
		idStr string
		user  auth.User
	)
	err := row.Scan(
		&idStr,
		&user.Email,
		&user.EmailVerified,
		&user.PasswordHash,
		&user.FailedAttempts,
		&user.LockedUntil,
		&user.RecoveryCodeHash,
		&user.CreatedAt,
		&user.UpdatedAt,
		&user.RegisteredTOTP,
		&user.RegisteredPasskey,
		&user.RegisteredSecurityKey,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // Callers wrap with context-specific info
		}
		return nil, oops.Code("USER_SCAN_FAILED").Wrap(err)
	}

	if user.ID, err = parseULID(idStr, "id"); err != nil {
		return nil, err
	}
	return &user, nil
}

// Compile-time interface check.
var _ auth.UserRepository = (*UserRepository)(nil)
