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

// OAuthAccountRepository implements auth.OAuthAccountRepository using PostgreSQL.
type OAuthAccountRepository struct {
	pool querier
}

// NewOAuthAccountRepository creates a new OAuthAccountRepository.
func NewOAuthAccountRepository(pool querier) *OAuthAccountRepository {
	return &OAuthAccountRepository{pool: pool}
}

// Create links an external identity to a user.
func (r *OAuthAccountRepository) Create(ctx context.Context, account *auth.OAuthAccount) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO oauth_accounts (provider, provider_user_id, user_id, email, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, account.Provider, account.ProviderUserID, account.UserID.String(), account.Email, account.CreatedAt)
	if isUniqueViolation(err) {
		return oops.Code("OAUTH_ACCOUNT_EXISTS").
			With("provider", account.Provider).
			Wrap(auth.ErrAccountLinkRequired)
	}
	if isForeignKeyViolation(err) {
		return oops.Code("USER_NOT_FOUND").With("user_id", account.UserID.String()).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return oops.Code("OAUTH_ACCOUNT_CREATE_FAILED").
			With("provider", account.Provider).
			Wrap(err)
	}
	return nil
}

// Get retrieves the link for an external identity.
func (r *OAuthAccountRepository) Get(ctx context.Context, provider, providerUserID string) (*auth.OAuthAccount, error) {
	row := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT provider, provider_user_id, user_id, email, created_at
		FROM oauth_accounts
		WHERE provider = $1 AND provider_user_id = $2
	`, provider, providerUserID)

	account, err := scanOAuthAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("OAUTH_ACCOUNT_NOT_FOUND").With("provider", provider).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("OAUTH_ACCOUNT_GET_FAILED").With("provider", provider).Wrap(err)
	}
	return account, nil
}

// ListByUser returns every link of a user.
func (r *OAuthAccountRepository) ListByUser(ctx context.Context, userID ulid.ULID) ([]*auth.OAuthAccount, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT provider, provider_user_id, user_id, email, created_at
		FROM oauth_accounts
		WHERE user_id = $1
		ORDER BY provider
	`, userID.String())
	if err != nil {
		return nil, oops.Code("OAUTH_ACCOUNT_LIST_FAILED").With("user_id", userID.String()).Wrap(err)
	}
	defer rows.Close()

	var accounts []*auth.OAuthAccount
	for rows.Next() {
		account, err := scanOAuthAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("OAUTH_ACCOUNT_LIST_FAILED").With("operation", "iterate rows").Wrap(err)
	}
	return accounts, nil
}

func scanOAuthAccount(row pgx.Row) (*auth.OAuthAccount, error) {
	var (
		account   auth.OAuthAccount
		userIDStr string
	)
	err := row.Scan(&account.Provider, &account.ProviderUserID, &userIDStr, &account.Email, &account.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // Callers wrap with context-specific info
		}
		return nil, oops.Code("OAUTH_ACCOUNT_SCAN_FAILED").Wrap(err)
	}
	if account.UserID, err = parseULID(userIDStr, "user_id"); err != nil {
		return nil, err
	}
	return &account, nil
}

// Compile-time interface check.
var _ auth.OAuthAccountRepository = (*OAuthAccountRepository)(nil)
