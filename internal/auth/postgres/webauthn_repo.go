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

const webauthnColumns = `credential_id, user_id, kind, name, public_key, attestation_type, aaguid,
	sign_count, transports, backup_eligible, backup_state, flagged_at, created_at, last_used_at`

// WebAuthnCredentialRepository implements auth.WebAuthnCredentialRepository
// using PostgreSQL.
type WebAuthnCredentialRepository struct {
	pool querier
}

// NewWebAuthnCredentialRepository creates a new WebAuthnCredentialRepository.
func NewWebAuthnCredentialRepository(pool querier) *WebAuthnCredentialRepository {
	return &WebAuthnCredentialRepository{pool: pool}
}

// Create stores a credential.
func (r *WebAuthnCredentialRepository) Create(ctx context.Context, cred *auth.WebAuthnCredential) error {
	transports := cred.Transports
	if transports == nil {
		transports = []string{}
	}
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO webauthn_credentials (`+webauthnColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		cred.CredentialID,
		cred.UserID.String(),
		string(cred.Kind),
		cred.Name,
		cred.PublicKey,
		cred.AttestationType,
		cred.AAGUID,
		int64(cred.SignCount),
		transports,
		cred.BackupEligible,
		cred.BackupState,
		cred.FlaggedAt,
		cred.CreatedAt,
		cred.LastUsedAt,
	)
	if isUniqueViolation(err) {
		return oops.Code("WEBAUTHN_CREDENTIAL_EXISTS").Wrap(auth.ErrAttestationInvalid)
	}
	if isForeignKeyViolation(err) {
		return oops.Code("USER_NOT_FOUND").With("user_id", cred.UserID.String()).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return oops.Code("WEBAUTHN_CREATE_FAILED").With("user_id", cred.UserID.String()).Wrap(err)
	}
	return nil
}

// GetByCredentialID retrieves a credential by its WebAuthn ID.
func (r *WebAuthnCredentialRepository) GetByCredentialID(ctx context.Context, credentialID []byte) (*auth.WebAuthnCredential, error) {
	row := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+webauthnColumns+` FROM webauthn_credentials WHERE credential_id = $1`, credentialID)

	cred, err := scanCredential(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("WEBAUTHN_CREDENTIAL_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("WEBAUTHN_GET_FAILED").Wrap(err)
	}
	return cred, nil
}

// ListByUser returns a user's credentials, oldest first. An empty kind
// lists every kind.
func (r *WebAuthnCredentialRepository) ListByUser(ctx context.Context, userID ulid.ULID, kind auth.CredentialKind) ([]*auth.WebAuthnCredential, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT `+webauthnColumns+`
		FROM webauthn_credentials
		WHERE user_id = $1 AND ($2::text = '' OR kind = $2::text)
		ORDER BY created_at
	`, userID.String(), string(kind))
	if err != nil {
		return nil, oops.Code("WEBAUTHN_LIST_FAILED").With("user_id", userID.String()).Wrap(err)
	}
	defer rows.Close()

	var creds []*auth.WebAuthnCredential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("WEBAUTHN_LIST_FAILED").With("operation", "iterate rows").Wrap(err)
	}
	return creds, nil
}

// AdvanceSignCount stores count if it is greater than the stored counter,
// or if both are zero, and the credential is not flagged.
func (r *WebAuthnCredentialRepository) AdvanceSignCount(ctx context.Context, credentialID []byte, count uint32, usedAt time.Time) (bool, error) {
	q := conn(ctx, r.pool)
	result, err := q.Exec(ctx, `
		UPDATE webauthn_credentials SET sign_count = $2, last_used_at = $3
		WHERE credential_id = $1
		  AND flagged_at IS NULL
		  AND (sign_count < $2 OR (sign_count = 0 AND $2 = 0))
	`, credentialID, int64(count), usedAt)
	if err != nil {
		return false, oops.Code("WEBAUTHN_ADVANCE_COUNT_FAILED").Wrap(err)
	}
	if result.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM webauthn_credentials WHERE credential_id = $1)`, credentialID,
	).Scan(&exists); err != nil {
		return false, oops.Code("WEBAUTHN_ADVANCE_COUNT_FAILED").With("operation", "check existence").Wrap(err)
	}
	if !exists {
		return false, oops.Code("WEBAUTHN_CREDENTIAL_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	return false, nil
}

// Flag marks the credential as cloned. The first flag time is kept.
func (r *WebAuthnCredentialRepository) Flag(ctx context.Context, credentialID []byte, at time.Time) error {
	result, err := conn(ctx, r.pool).Exec(ctx,
		`UPDATE webauthn_credentials SET flagged_at = COALESCE(flagged_at, $2) WHERE credential_id = $1`,
		credentialID, at)
	if err != nil {
		return oops.Code("WEBAUTHN_FLAG_FAILED").Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("WEBAUTHN_CREDENTIAL_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	return nil
}

// Delete removes one of the user's credentials.
func (r *WebAuthnCredentialRepository) Delete(ctx context.Context, userID ulid.ULID, credentialID []byte) error {
	result, err := conn(ctx, r.pool).Exec(ctx,
		`DELETE FROM webauthn_credentials WHERE credential_id = $1 AND user_id = $2`,
		credentialID, userID.String())
	if err != nil {
		return oops.Code("WEBAUTHN_DELETE_FAILED").With("user_id", userID.String()).Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("WEBAUTHN_CREDENTIAL_NOT_FOUND").With("user_id", userID.String()).Wrap(auth.ErrNotFound)
	}
	return nil
}

// DeleteByUser removes all of the user's credentials.
func (r *WebAuthnCredentialRepository) DeleteByUser(ctx context.Context, userID ulid.ULID) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM webauthn_credentials WHERE user_id = $1`, userID.String())
	if err != nil {
		return oops.Code("WEBAUTHN_DELETE_BY_USER_FAILED").With("user_id", userID.String()).Wrap(err)
	}
	return nil
}

// scanCredential scans one row. pgx.Rows satisfies pgx.Row.
func scanCredential(row pgx.Row) (*auth.WebAuthnCredential, error) {
	var (
		cred      auth.WebAuthnCredential
		userIDStr string
		kind      string
		signCount int64
	)
	err := row.Scan(
		&cred.CredentialID,
		&userIDStr,
		&kind,
		&cred.Name,
		&cred.PublicKey,
		&cred.AttestationType,
		&cred.AAGUID,
		&signCount,
		&cred.Transports,
		&cred.BackupEligible,
		&cred.BackupState,
		&cred.FlaggedAt,
		&cred.CreatedAt,
		&cred.LastUsedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // Callers wrap with context-specific info
		}
		return nil, oops.Code("WEBAUTHN_SCAN_FAILED").Wrap(err)
	}

	if cred.UserID, err = parseULID(userIDStr, "user_id"); err != nil {
		return nil, err
	}
	if cred.Kind, err = auth.ParseCredentialKind(kind); err != nil {
		return nil, err
	}
	cred.SignCount = uint32(signCount) //nolint:gosec // written from uint32
	return &cred, nil
}

// Compile-time interface check.
var _ auth.WebAuthnCredentialRepository = (*WebAuthnCredentialRepository)(nil)
