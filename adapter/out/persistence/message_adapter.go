package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"unibox_worker/core/domain"
	"unibox_worker/core/port/out"
)

// MessageAdapter implements out.MessageRepository using PostgreSQL.
//
// Reconcile is the only write path for mirrored mail: upserts, soft
// deletions, thread recomputation, and the cursor advance share one
// transaction, so a crash at any point leaves both the mailbox copy
// and the cursor at the previous consistent state and the provider
// replays the batch on the next cycle.
type MessageAdapter struct {
	db *sqlx.DB
}

// NewMessageAdapter creates a new MessageAdapter.
func NewMessageAdapter(db *sqlx.DB) *MessageAdapter {
	return &MessageAdapter{db: db}
}

type messageEntity struct {
	ID                string         `db:"id"`
	AccountID         string         `db:"account_id"`
	ThreadID          string         `db:"thread_id"`
	ProviderMessageID string         `db:"provider_message_id"`
	ProviderThreadID  string         `db:"provider_thread_id"`
	FromAddress       string         `db:"from_address"`
	FromName          sql.NullString `db:"from_name"`
	ToAddresses       pq.StringArray `db:"to_addresses"`
	CcAddresses       pq.StringArray `db:"cc_addresses"`
	Subject           string         `db:"subject"`
	Snippet           string         `db:"snippet"`
	SentAt            time.Time      `db:"sent_at"`
	IsRead            bool           `db:"is_read"`
	HasAttachments    bool           `db:"has_attachments"`
	BodyRef           sql.NullString `db:"body_ref"`
	IsDeleted         bool           `db:"is_deleted"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func (e *messageEntity) toDomain() *domain.Message {
	msg := &domain.Message{
		ID:                e.ID,
		AccountID:         e.AccountID,
		ThreadID:          e.ThreadID,
		ProviderMessageID: e.ProviderMessageID,
		ProviderThreadID:  e.ProviderThreadID,
		FromAddress:       e.FromAddress,
		ToAddresses:       e.ToAddresses,
		CcAddresses:       e.CcAddresses,
		Subject:           e.Subject,
		Snippet:           e.Snippet,
		SentAt:            e.SentAt,
		IsRead:            e.IsRead,
		HasAttachments:    e.HasAttachments,
		IsDeleted:         e.IsDeleted,
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
	}
	if e.FromName.Valid {
		msg.FromName = e.FromName.String
	}
	if e.BodyRef.Valid {
		msg.BodyRef = e.BodyRef.String
	}
	return msg
}

type threadEntity struct {
	ID               string         `db:"id"`
	AccountID        string         `db:"account_id"`
	ProviderThreadID string         `db:"provider_thread_id"`
	Subject          string         `db:"subject"`
	Snippet          string         `db:"snippet"`
	Participants     pq.StringArray `db:"participants"`
	MessageCount     int            `db:"message_count"`
	UnreadCount      int            `db:"unread_count"`
	LastMessageAt    sql.NullTime   `db:"last_message_at"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

func (e *threadEntity) toDomain() *domain.Thread {
	t := &domain.Thread{
		ID:               e.ID,
		AccountID:        e.AccountID,
		ProviderThreadID: e.ProviderThreadID,
		Subject:          e.Subject,
		Snippet:          e.Snippet,
		Participants:     e.Participants,
		MessageCount:     e.MessageCount,
		UnreadCount:      e.UnreadCount,
		CreatedAt:        e.CreatedAt,
		UpdatedAt:        e.UpdatedAt,
	}
	if e.LastMessageAt.Valid {
		t.LastMessageAt = e.LastMessageAt.Time
	}
	return t
}

// Reconcile applies one provider batch transactionally.
func (a *MessageAdapter) Reconcile(ctx context.Context, batch out.ReconcileBatch) (*out.ReconcileResult, error) {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reconcile tx: %w", err)
	}
	defer tx.Rollback()

	result := &out.ReconcileResult{
		MessageIDs: make(map[string]string, len(batch.Upserts)),
	}
	affectedThreads := make(map[string]struct{})

	for _, msg := range batch.Upserts {
		threadID, err := getOrCreateThread(ctx, tx, batch.AccountID, msg)
		if err != nil {
			return nil, fmt.Errorf("thread for %s: %w", msg.ProviderMessageID, err)
		}
		affectedThreads[threadID] = struct{}{}

		id, err := upsertMessage(ctx, tx, batch.AccountID, threadID, msg)
		if err != nil {
			return nil, fmt.Errorf("upsert %s: %w", msg.ProviderMessageID, err)
		}
		result.MessageIDs[msg.ProviderMessageID] = id
		result.Upserted++
	}

	if len(batch.DeletedIDs) > 0 {
		rows, err := tx.QueryxContext(ctx, `
			UPDATE messages SET
				is_deleted = true,
				updated_at = NOW()
			WHERE account_id = $1
			  AND provider_message_id = ANY($2)
			  AND is_deleted = false
			RETURNING thread_id`,
			batch.AccountID, pq.Array(batch.DeletedIDs))
		if err != nil {
			return nil, fmt.Errorf("soft delete: %w", err)
		}
		for rows.Next() {
			var threadID string
			if err := rows.Scan(&threadID); err != nil {
				rows.Close()
				return nil, err
			}
			affectedThreads[threadID] = struct{}{}
			result.Deleted++
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	for threadID := range affectedThreads {
		if err := recomputeThread(ctx, tx, threadID); err != nil {
			return nil, fmt.Errorf("recompute thread %s: %w", threadID, err)
		}
		result.Threads++
	}

	if batch.NextCursor != "" {
		_, err := tx.ExecContext(ctx, `
			UPDATE sync_states SET
				cursor = $1,
				last_sync_at = NOW()
			WHERE account_id = $2`,
			batch.NextCursor, batch.AccountID)
		if err != nil {
			return nil, fmt.Errorf("advance cursor: %w", err)
		}
		result.CursorMoved = true
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reconcile tx: %w", err)
	}
	return result, nil
}

func getOrCreateThread(ctx context.Context, tx *sqlx.Tx, accountID string, msg *domain.Message) (string, error) {
	var threadID string
	err := tx.QueryRowxContext(ctx, `
		SELECT id FROM threads
		WHERE account_id = $1 AND provider_thread_id = $2`,
		accountID, msg.ProviderThreadID).Scan(&threadID)
	if err == nil {
		return threadID, nil
	}
	if err != sql.ErrNoRows {
		return "", err
	}

	// Concurrent inserts for the same thread resolve on the unique
	// constraint; the loser picks up the winner's row.
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO threads (
			id, account_id, provider_thread_id,
			subject, snippet, participants, last_message_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (account_id, provider_thread_id) DO UPDATE SET updated_at = NOW()
		RETURNING id`,
		uuid.NewString(), accountID, msg.ProviderThreadID,
		msg.Subject, msg.Snippet, pq.Array(msg.Participants()), msg.SentAt,
	).Scan(&threadID)
	return threadID, err
}

func upsertMessage(ctx context.Context, tx *sqlx.Tx, accountID, threadID string, msg *domain.Message) (string, error) {
	var id string
	err := tx.QueryRowxContext(ctx, `
		INSERT INTO messages (
			id, account_id, thread_id, provider_message_id, provider_thread_id,
			from_address, from_name, to_addresses, cc_addresses,
			subject, snippet, sent_at,
			is_read, has_attachments, body_ref, is_deleted
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, false)
		ON CONFLICT (account_id, provider_message_id) DO UPDATE SET
			is_read = EXCLUDED.is_read,
			snippet = EXCLUDED.snippet,
			subject = EXCLUDED.subject,
			has_attachments = EXCLUDED.has_attachments,
			is_deleted = false,
			updated_at = NOW()
		RETURNING id`,
		uuid.NewString(), accountID, threadID, msg.ProviderMessageID, msg.ProviderThreadID,
		msg.FromAddress, toNullableString(msg.FromName), pq.Array(msg.ToAddresses), pq.Array(msg.CcAddresses),
		msg.Subject, msg.Snippet, msg.SentAt,
		msg.IsRead, msg.HasAttachments, toNullableString(msg.BodyRef),
	).Scan(&id)
	return id, err
}

// recomputeThread rebuilds the summary from live messages, and removes
// the thread once no live message remains.
func recomputeThread(ctx context.Context, tx *sqlx.Tx, threadID string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE threads t SET
			subject = COALESCE((
				SELECT subject FROM messages
				WHERE thread_id = t.id AND is_deleted = false
				ORDER BY sent_at ASC LIMIT 1
			), t.subject),
			snippet = COALESCE((
				SELECT snippet FROM messages
				WHERE thread_id = t.id AND is_deleted = false
				ORDER BY sent_at DESC LIMIT 1
			), t.snippet),
			participants = COALESCE((
				SELECT array_agg(DISTINCT addr) FROM (
					SELECT unnest(array_cat(ARRAY[from_address], array_cat(to_addresses, cc_addresses))) AS addr
					FROM messages WHERE thread_id = t.id AND is_deleted = false
				) sub
			), t.participants),
			message_count = (SELECT COUNT(*) FROM messages WHERE thread_id = t.id AND is_deleted = false),
			unread_count = (SELECT COUNT(*) FROM messages WHERE thread_id = t.id AND is_deleted = false AND is_read = false),
			last_message_at = COALESCE(
				(SELECT MAX(sent_at) FROM messages WHERE thread_id = t.id AND is_deleted = false),
				t.last_message_at
			),
			updated_at = NOW()
		WHERE t.id = $1`, threadID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM threads
		WHERE id = $1
		  AND NOT EXISTS (
			SELECT 1 FROM messages WHERE thread_id = $1 AND is_deleted = false
		  )`, threadID)
	return err
}

// GetByProviderID returns a mirrored message or ErrNotFound.
func (a *MessageAdapter) GetByProviderID(ctx context.Context, accountID, providerMessageID string) (*domain.Message, error) {
	var entity messageEntity
	query := `
		SELECT * FROM messages
		WHERE account_id = $1 AND provider_message_id = $2`
	if err := a.db.GetContext(ctx, &entity, query, accountID, providerMessageID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return entity.toDomain(), nil
}

// GetThread returns a thread summary or ErrNotFound.
func (a *MessageAdapter) GetThread(ctx context.Context, accountID, providerThreadID string) (*domain.Thread, error) {
	var entity threadEntity
	query := `
		SELECT * FROM threads
		WHERE account_id = $1 AND provider_thread_id = $2`
	if err := a.db.GetContext(ctx, &entity, query, accountID, providerThreadID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return entity.toDomain(), nil
}

// CountByAccount counts live mirrored messages.
func (a *MessageAdapter) CountByAccount(ctx context.Context, accountID string) (int64, error) {
	var count int64
	query := `SELECT COUNT(*) FROM messages WHERE account_id = $1 AND is_deleted = false`
	err := a.db.GetContext(ctx, &count, query, accountID)
	return count, err
}
