package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"unibox_worker/core/domain"
)

// SyncStateAdapter persists the per-account sync ledger. The cursor
// column itself is advanced by MessageAdapter.Reconcile inside the
// batch transaction; everything else about a cycle lands here.
type SyncStateAdapter struct {
	db         *sqlx.DB
	maxRetries int
}

func NewSyncStateAdapter(db *sqlx.DB, maxRetries int) *SyncStateAdapter {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &SyncStateAdapter{db: db, maxRetries: maxRetries}
}

type syncStateEntity struct {
	ID        int64          `db:"id"`
	AccountID string         `db:"account_id"`
	Provider  string         `db:"provider"`
	Status    string         `db:"status"`
	Phase     sql.NullString `db:"phase"`
	Cursor    sql.NullString `db:"cursor"`
	LastError sql.NullString `db:"last_error"`

	RetryCount  int          `db:"retry_count"`
	MaxRetries  int          `db:"max_retries"`
	NextRetryAt sql.NullTime `db:"next_retry_at"`
	FailedAt    sql.NullTime `db:"failed_at"`

	CheckpointPageToken   sql.NullString `db:"checkpoint_page_token"`
	CheckpointSyncedCount int            `db:"checkpoint_synced_count"`
	CheckpointUpdatedAt   sql.NullTime   `db:"checkpoint_updated_at"`

	TotalSynced          int64         `db:"total_synced"`
	LastSyncCount        int           `db:"last_sync_count"`
	LastSyncAt           sql.NullTime  `db:"last_sync_at"`
	FirstSyncCompletedAt sql.NullTime  `db:"first_sync_completed_at"`
	LastSyncDurationMs   sql.NullInt32 `db:"last_sync_duration_ms"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (e *syncStateEntity) toDomain() *domain.SyncState {
	state := &domain.SyncState{
		ID:                    e.ID,
		AccountID:             e.AccountID,
		Provider:              domain.Provider(e.Provider),
		Status:                domain.SyncStatus(e.Status),
		RetryCount:            e.RetryCount,
		MaxRetries:            e.MaxRetries,
		CheckpointSyncedCount: e.CheckpointSyncedCount,
		TotalSynced:           e.TotalSynced,
		LastSyncCount:         e.LastSyncCount,
		CreatedAt:             e.CreatedAt,
		UpdatedAt:             e.UpdatedAt,
	}

	if e.Phase.Valid {
		state.Phase = domain.SyncPhase(e.Phase.String)
	}
	if e.Cursor.Valid {
		state.Cursor = e.Cursor.String
	}
	if e.LastError.Valid {
		state.LastError = e.LastError.String
	}
	if e.NextRetryAt.Valid {
		state.NextRetryAt = e.NextRetryAt.Time
	}
	if e.FailedAt.Valid {
		state.FailedAt = e.FailedAt.Time
	}
	if e.CheckpointPageToken.Valid {
		state.CheckpointPageToken = e.CheckpointPageToken.String
	}
	if e.CheckpointUpdatedAt.Valid {
		state.CheckpointUpdatedAt = e.CheckpointUpdatedAt.Time
	}
	if e.LastSyncAt.Valid {
		state.LastSyncAt = e.LastSyncAt.Time
	}
	if e.FirstSyncCompletedAt.Valid {
		state.FirstSyncCompletedAt = e.FirstSyncCompletedAt.Time
	}
	if e.LastSyncDurationMs.Valid {
		state.LastSyncDurationMs = int(e.LastSyncDurationMs.Int32)
	}

	return state
}

func (a *SyncStateAdapter) GetByAccountID(ctx context.Context, accountID string) (*domain.SyncState, error) {
	var entity syncStateEntity
	query := `SELECT * FROM sync_states WHERE account_id = $1`
	if err := a.db.GetContext(ctx, &entity, query, accountID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return entity.toDomain(), nil
}

func (a *SyncStateAdapter) GetOrCreate(ctx context.Context, accountID string, provider domain.Provider) (*domain.SyncState, error) {
	query := `
		INSERT INTO sync_states (account_id, provider, status, max_retries)
		VALUES ($1, $2, 'none', $3)
		ON CONFLICT (account_id) DO UPDATE SET updated_at = NOW()
		RETURNING *
	`
	var entity syncStateEntity
	if err := a.db.GetContext(ctx, &entity, query, accountID, string(provider), a.maxRetries); err != nil {
		return nil, err
	}
	return entity.toDomain(), nil
}

func (a *SyncStateAdapter) UpdateStatus(ctx context.Context, accountID string, status domain.SyncStatus, lastError string) error {
	query := `
		UPDATE sync_states SET
			status = $1,
			last_error = $2
		WHERE account_id = $3
	`
	_, err := a.db.ExecContext(ctx, query, string(status), toNullableString(lastError), accountID)
	return err
}

func (a *SyncStateAdapter) UpdateStatusWithPhase(ctx context.Context, accountID string, status domain.SyncStatus, phase domain.SyncPhase, lastError string) error {
	query := `
		UPDATE sync_states SET
			status = $1,
			phase = $2,
			last_error = $3
		WHERE account_id = $4
	`
	_, err := a.db.ExecContext(ctx, query, string(status), string(phase), toNullableString(lastError), accountID)
	return err
}

// ClearCursor drops an expired cursor so the next cycle re-baselines.
func (a *SyncStateAdapter) ClearCursor(ctx context.Context, accountID string) error {
	query := `
		UPDATE sync_states SET
			cursor = NULL,
			phase = 're_baseline'
		WHERE account_id = $1
	`
	_, err := a.db.ExecContext(ctx, query, accountID)
	return err
}

func (a *SyncStateAdapter) ScheduleRetry(ctx context.Context, accountID string, nextRetryAt time.Time) error {
	query := `
		UPDATE sync_states SET
			status = 'retry_scheduled',
			next_retry_at = $1,
			retry_count = retry_count + 1
		WHERE account_id = $2
	`
	_, err := a.db.ExecContext(ctx, query, nextRetryAt, accountID)
	return err
}

func (a *SyncStateAdapter) GetPendingRetries(ctx context.Context, before time.Time) ([]*domain.SyncState, error) {
	var entities []syncStateEntity
	query := `
		SELECT * FROM sync_states
		WHERE status = 'retry_scheduled'
		  AND next_retry_at IS NOT NULL
		  AND next_retry_at <= $1
		  AND retry_count < max_retries
		ORDER BY next_retry_at ASC
	`
	if err := a.db.SelectContext(ctx, &entities, query, before); err != nil {
		return nil, err
	}

	states := make([]*domain.SyncState, len(entities))
	for i, e := range entities {
		states[i] = e.toDomain()
	}
	return states, nil
}

func (a *SyncStateAdapter) ResetRetryCount(ctx context.Context, accountID string) error {
	query := `
		UPDATE sync_states SET
			retry_count = 0,
			next_retry_at = NULL,
			failed_at = NULL,
			last_error = NULL
		WHERE account_id = $1
	`
	_, err := a.db.ExecContext(ctx, query, accountID)
	return err
}

func (a *SyncStateAdapter) MarkFailed(ctx context.Context, accountID string, errMsg string) error {
	query := `
		UPDATE sync_states SET
			status = 'error',
			last_error = $1,
			failed_at = NOW()
		WHERE account_id = $2
	`
	_, err := a.db.ExecContext(ctx, query, errMsg, accountID)
	return err
}

func (a *SyncStateAdapter) SaveCheckpoint(ctx context.Context, accountID string, pageToken string, syncedCount int) error {
	query := `
		UPDATE sync_states SET
			checkpoint_page_token = $1,
			checkpoint_synced_count = $2,
			checkpoint_updated_at = NOW()
		WHERE account_id = $3
	`
	_, err := a.db.ExecContext(ctx, query, pageToken, syncedCount, accountID)
	return err
}

func (a *SyncStateAdapter) ClearCheckpoint(ctx context.Context, accountID string) error {
	query := `
		UPDATE sync_states SET
			checkpoint_page_token = NULL,
			checkpoint_synced_count = 0,
			checkpoint_updated_at = NULL
		WHERE account_id = $1
	`
	_, err := a.db.ExecContext(ctx, query, accountID)
	return err
}

func (a *SyncStateAdapter) RecordCycle(ctx context.Context, accountID string, count int, durationMs int) error {
	query := `
		UPDATE sync_states SET
			total_synced = total_synced + $1,
			last_sync_count = $1,
			last_sync_at = NOW(),
			last_sync_duration_ms = $2
		WHERE account_id = $3
	`
	_, err := a.db.ExecContext(ctx, query, count, durationMs, accountID)
	return err
}

func (a *SyncStateAdapter) MarkFirstSyncComplete(ctx context.Context, accountID string) error {
	query := `
		UPDATE sync_states SET
			first_sync_completed_at = NOW(),
			status = 'idle',
			phase = NULL,
			retry_count = 0,
			next_retry_at = NULL,
			failed_at = NULL
		WHERE account_id = $1
		  AND first_sync_completed_at IS NULL
	`
	_, err := a.db.ExecContext(ctx, query, accountID)
	return err
}

func toNullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func toNullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
