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

const sessionColumns = `id, user_id, token_hash, two_factor_verified, user_agent, ip_address, expires_at, created_at, last_seen_at`

// SessionRepository implements auth.SessionRepository using PostgreSQL.
type SessionRepository struct {
	pool querier
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(pool querier) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// Create stores a new session.
func (r *SessionRepository) Create(ctx context.Context, session *auth.Session) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		session.ID.String(),
		session.UserID.String(),
		session.TokenHash,
		session.TwoFactorVerified,
		session.UserAgent,
		session.IPAddress,
		session.ExpiresAt,
		session.CreatedAt,
		session.LastSeenAt,
	)
	if isForeignKeyViolation(err) {
		return oops.Code("USER_NOT_FOUND").With("user_id", session.UserID.String()).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return oops.Code("SESSION_CREATE_FAILED").
			With("operation", "insert session").
			With("user_id", session.UserID.String()).
			Wrap(err)
	}
	return nil
}

// GetByID retrieves a session by its ID.
func (r *SessionRepository) GetByID(ctx context.Context, id ulid.ULID) (*auth.Session, error) {
	row := conn(ctx, r.pool).QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id.String())

	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("SESSION_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("SESSION_GET_BY_ID_FAILED").With("id", id.String()).Wrap(err)
	}
	return session, nil
}

// GetByTokenHash retrieves a session by its token hash. FOR UPDATE makes
// concurrent validations of the same session inside transactions queue up.
func (r *SessionRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*auth.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE token_hash = $1`
	if _, inTx := ctx.Value(txKey{}).(pgx.Tx); inTx {
		q += ` FOR UPDATE`
	}
	session, err := scanSession(conn(ctx, r.pool).QueryRow(ctx, q, tokenHash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("SESSION_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("SESSION_GET_BY_TOKEN_FAILED").Wrap(err)
	}
	return session, nil
}

// Renew moves the expiry and last-seen time.
func (r *SessionRepository) Renew(ctx context.Context, id ulid.ULID, expiresAt, lastSeen time.Time) error {
	return r.update(ctx, "SESSION_RENEW_FAILED", id,
		`UPDATE sessions SET expires_at = $2, last_seen_at = $3 WHERE id = $1`, expiresAt, lastSeen)
}

// UpdateLastSeen updates the last-seen time.
func (r *SessionRepository) UpdateLastSeen(ctx context.Context, id ulid.ULID, lastSeen time.Time) error {
	return r.update(ctx, "SESSION_UPDATE_LAST_SEEN_FAILED", id,
		`UPDATE sessions SET last_seen_at = $2 WHERE id = $1`, lastSeen)
}

// SetTwoFactorVerified marks the session verified.
func (r *SessionRepository) SetTwoFactorVerified(ctx context.Context, id ulid.ULID) error {
	return r.update(ctx, "SESSION_SET_VERIFIED_FAILED", id,
		`UPDATE sessions SET two_factor_verified = TRUE WHERE id = $1`)
}

// Delete removes a session by ID.
func (r *SessionRepository) Delete(ctx context.Context, id ulid.ULID) error {
	return r.update(ctx, "SESSION_DELETE_FAILED", id, `DELETE FROM sessions WHERE id = $1`)
}

// DeleteByUser removes all sessions of a user except keep.
func (r *SessionRepository) DeleteByUser(ctx context.Context, userID, keep ulid.ULID) (int64, error) {
	result, err := conn(ctx, r.pool).Exec(ctx,
		`DELETE FROM sessions WHERE user_id = $1 AND id <> $2`, userID.String(), keep.String())
	if err != nil {
		return 0, oops.Code("SESSION_DELETE_BY_USER_FAILED").
			With("user_id", userID.String()).
			Wrap(err)
	}
	return result.RowsAffected(), nil
}

// DeleteExpired removes sessions whose expiry is at or before now.
func (r *SessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, oops.Code("SESSION_DELETE_EXPIRED_FAILED").Wrap(err)
	}
	return result.RowsAffected(), nil
}

func (r *SessionRepository) update(ctx context.Context, code string, id ulid.ULID, sql string, args ...any) error {
	result, err := conn(ctx, r.pool).Exec(ctx, sql, append([]any{id.String()}, args...)...)
	if err != nil {
		return oops.Code(code).With("id", id.String()).Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("SESSION_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	return nil
}

// scanSession scans a single row into a Session.
// Callers are responsible for handling pgx.ErrNoRows.
func scanSession(row pgx.Row) (*auth.Session, error) {
	var (
		idStr, userIDStr string
		session          auth.Session
	)
	err := row.Scan(
		&idStr,
		&userIDStr,
		&session.TokenHash,
		&session.TwoFactorVerified,
		&session.UserAgent,
		&session.IPAddress,
		&session.ExpiresAt,
		&session.CreatedAt,
		&session.LastSeenAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // Callers wrap with context-specific info
		}
		return nil, oops.Code("SESSION_SCAN_FAILED").Wrap(err)
	}

	if session.ID, err = parseULID(idStr, "id"); err != nil {
		return nil, err
	}
	if session.UserID, err = parseULID(userIDStr, "user_id"); err != nil {
		return nil, err
	}
	return &session, nil
}

// Compile-time interface check.
var _ auth.SessionRepository = (*SessionRepository)(nil)
