// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/warden-auth/warden/internal/auth"
)

// TOTPRepository implements auth.TOTPRepository using PostgreSQL. Secrets
// arrive already sealed.
type TOTPRepository struct {
	pool querier
}

// NewTOTPRepository creates a new TOTPRepository.
func NewTOTPRepository(pool querier) *TOTPRepository {
	return &TOTPRepository{pool: pool}
}

// Upsert stores the user's secret, replacing any prior one.
func (r *TOTPRepository) Upsert(ctx context.Context, cred *auth.TOTPCredential) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO totp_credentials (user_id, secret, created_at, last_used_step)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			secret = EXCLUDED.secret,
			created_at = EXCLUDED.created_at,
			last_used_step = EXCLUDED.last_used_step
	`, cred.UserID.String(), cred.Secret, cred.CreatedAt, cred.LastUsedStep)
	if isForeignKeyViolation(err) {
		return oops.Code("USER_NOT_FOUND").With("user_id", cred.UserID.String()).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return oops.Code("TOTP_UPSERT_FAILED").With("user_id", cred.UserID.String()).Wrap(err)
	}
	return nil
}

// Get retrieves the user's secret.
func (r *TOTPRepository) Get(ctx context.Context, userID ulid.ULID) (*auth.TOTPCredential, error) {
	cred := auth.TOTPCredential{UserID: userID}
	err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT secret, created_at, last_used_step FROM totp_credentials WHERE user_id = $1`, userID.String(),
	).Scan(&cred.Secret, &cred.CreatedAt, &cred.LastUsedStep)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("TOTP_NOT_FOUND").With("user_id", userID.String()).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("TOTP_GET_FAILED").With("user_id", userID.String()).Wrap(err)
	}
	return &cred, nil
}

// AdvanceStep moves last_used_step forward to step. The comparison happens
// in the UPDATE so two requests cannot both spend one code.
func (r *TOTPRepository) AdvanceStep(ctx context.Context, userID ulid.ULID, step int64) (bool, error) {
	result, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE totp_credentials SET last_used_step = $2
		WHERE user_id = $1 AND last_used_step < $2
	`, userID.String(), step)
	if err != nil {
		return false, oops.Code("TOTP_ADVANCE_FAILED").With("user_id", userID.String()).Wrap(err)
	}
	return result.RowsAffected() == 1, nil
}

// Delete removes the user's secret. Deleting a missing secret is not an error.
func (r *TOTPRepository) Delete(ctx context.Context, userID ulid.ULID) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM totp_credentials WHERE user_id = $1`, userID.String())
	if err != nil {
		return oops.Code("TOTP_DELETE_FAILED").With("user_id", userID.String()).Wrap(err)
	}
	return nil
}

// Compile-time interface check.
var _ auth.TOTPRepository = (*TOTPRepository)(nil)
