// Package persistence provides database adapters.
package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"unibox_worker/core/domain"
)

// AccountAdapter implements out.AccountRepository using PostgreSQL.
// Refresh tokens stay encrypted in this layer; decryption happens in
// the token service, which is the only component holding the vault.
type AccountAdapter struct {
	db *sqlx.DB
}

// NewAccountAdapter creates a new AccountAdapter.
func NewAccountAdapter(db *sqlx.DB) *AccountAdapter {
	return &AccountAdapter{db: db}
}

type accountEntity struct {
	ID                    string         `db:"id"`
	UserID                string         `db:"user_id"`
	Provider              string         `db:"provider"`
	EmailAddress          string         `db:"email_address"`
	DisplayName           sql.NullString `db:"display_name"`
	AccessToken           sql.NullString `db:"access_token"`
	RefreshTokenEncrypted string         `db:"refresh_token_encrypted"`
	TokenExpiry           sql.NullTime   `db:"token_expiry"`
	Status                string         `db:"status"`
	StatusReason          sql.NullString `db:"status_reason"`
	LastSyncedAt          sql.NullTime   `db:"last_synced_at"`
	CreatedAt             time.Time      `db:"created_at"`
	UpdatedAt             time.Time      `db:"updated_at"`
}

func (e *accountEntity) toDomain() (*domain.Account, error) {
	userID, err := parseUUID(e.UserID)
	if err != nil {
		return nil, err
	}

	acc := &domain.Account{
		ID:                    e.ID,
		UserID:                userID,
		Provider:              domain.Provider(e.Provider),
		EmailAddress:          e.EmailAddress,
		RefreshTokenEncrypted: e.RefreshTokenEncrypted,
		Status:                domain.AccountStatus(e.Status),
		CreatedAt:             e.CreatedAt,
		UpdatedAt:             e.UpdatedAt,
	}
	if e.DisplayName.Valid {
		acc.DisplayName = e.DisplayName.String
	}
	if e.AccessToken.Valid {
		acc.AccessToken = e.AccessToken.String
	}
	if e.TokenExpiry.Valid {
		acc.TokenExpiry = e.TokenExpiry.Time
	}
	if e.StatusReason.Valid {
		acc.StatusReason = e.StatusReason.String
	}
	if e.LastSyncedAt.Valid {
		acc.LastSyncedAt = e.LastSyncedAt.Time
	}
	return acc, nil
}

const accountColumns = `
	id, user_id, provider, email_address, display_name,
	access_token, refresh_token_encrypted, token_expiry,
	status, status_reason, last_synced_at, created_at, updated_at`

// GetByID returns one account or ErrNotFound.
func (a *AccountAdapter) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	var entity accountEntity
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	if err := a.db.GetContext(ctx, &entity, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return entity.toDomain()
}

// ListSyncable returns accounts the scheduler may enqueue, oldest sync first
// so starved accounts catch up before recently synced ones.
func (a *AccountAdapter) ListSyncable(ctx context.Context) ([]*domain.Account, error) {
	var entities []accountEntity
	query := `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE status = 'active'
		ORDER BY last_synced_at ASC NULLS FIRST`

	if err := a.db.SelectContext(ctx, &entities, query); err != nil {
		return nil, err
	}

	accounts := make([]*domain.Account, 0, len(entities))
	for i := range entities {
		acc, err := entities[i].toDomain()
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

// UpdateTokens stores a refreshed token pair. The refresh token arrives
// already encrypted; an empty value keeps the stored one (providers only
// rotate refresh tokens occasionally).
func (a *AccountAdapter) UpdateTokens(ctx context.Context, id string, accessToken string, encryptedRefreshToken string, expiry time.Time) error {
	query := `
		UPDATE accounts SET
			access_token = $1,
			refresh_token_encrypted = COALESCE(NULLIF($2, ''), refresh_token_encrypted),
			token_expiry = $3,
			updated_at = NOW()
		WHERE id = $4
	`
	_, err := a.db.ExecContext(ctx, query, toNullableString(accessToken), encryptedRefreshToken, toNullableTime(expiry), id)
	return err
}

func (a *AccountAdapter) UpdateStatus(ctx context.Context, id string, status domain.AccountStatus, reason string) error {
	query := `
		UPDATE accounts SET
			status = $1,
			status_reason = $2,
			updated_at = NOW()
		WHERE id = $3
	`
	_, err := a.db.ExecContext(ctx, query, string(status), toNullableString(reason), id)
	return err
}

func (a *AccountAdapter) TouchLastSynced(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE accounts SET last_synced_at = $1, updated_at = NOW() WHERE id = $2`
	_, err := a.db.ExecContext(ctx, query, at, id)
	return err
}
