package out

import (
	"context"
	"time"

	"unibox_worker/core/domain"
)

// AccountRepository persists connected mail accounts.
type AccountRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Account, error)
	ListSyncable(ctx context.Context) ([]*domain.Account, error)
	UpdateTokens(ctx context.Context, id string, accessToken string, encryptedRefreshToken string, expiry time.Time) error
	UpdateStatus(ctx context.Context, id string, status domain.AccountStatus, reason string) error
	TouchLastSynced(ctx context.Context, id string, at time.Time) error
}

// SyncStateRepository is the per-account sync ledger. Cursor writes are
// only valid through ReconcileBatch on the message repository; this
// interface handles the bookkeeping around a cycle.
type SyncStateRepository interface {
	GetByAccountID(ctx context.Context, accountID string) (*domain.SyncState, error)
	GetOrCreate(ctx context.Context, accountID string, provider domain.Provider) (*domain.SyncState, error)

	UpdateStatus(ctx context.Context, accountID string, status domain.SyncStatus, lastError string) error
	UpdateStatusWithPhase(ctx context.Context, accountID string, status domain.SyncStatus, phase domain.SyncPhase, lastError string) error
	ClearCursor(ctx context.Context, accountID string) error

	// Retry scheduling
	ScheduleRetry(ctx context.Context, accountID string, nextRetryAt time.Time) error
	GetPendingRetries(ctx context.Context, before time.Time) ([]*domain.SyncState, error)
	ResetRetryCount(ctx context.Context, accountID string) error
	MarkFailed(ctx context.Context, accountID string, errMsg string) error

	// Initial fetch checkpoint
	SaveCheckpoint(ctx context.Context, accountID string, pageToken string, syncedCount int) error
	ClearCheckpoint(ctx context.Context, accountID string) error

	// Cycle stats
	RecordCycle(ctx context.Context, accountID string, count int, durationMs int) error
	MarkFirstSyncComplete(ctx context.Context, accountID string) error
}

// ReconcileBatch is one page of provider changes applied as a unit:
// message upserts, soft deletions, thread summary recomputation, and
// the cursor advance commit or roll back together.
type ReconcileBatch struct {
	AccountID  string
	Upserts    []*domain.Message
	DeletedIDs []string // provider message IDs reported removed
	NextCursor string   // empty keeps the current cursor
}

// ReconcileResult reports what a committed batch changed.
type ReconcileResult struct {
	Upserted    int
	Deleted     int
	Threads     int
	CursorMoved bool
	// MessageIDs maps provider message IDs to local row IDs for the
	// upserted messages, for the body store write that follows.
	MessageIDs map[string]string
}

// MessageRepository persists mirrored messages and derived threads.
type MessageRepository interface {
	// Reconcile applies one batch transactionally.
	Reconcile(ctx context.Context, batch ReconcileBatch) (*ReconcileResult, error)

	GetByProviderID(ctx context.Context, accountID, providerMessageID string) (*domain.Message, error)
	GetThread(ctx context.Context, accountID, providerThreadID string) (*domain.Thread, error)
	CountByAccount(ctx context.Context, accountID string) (int64, error)
}

// BodyStore keeps full message bodies out of the relational store.
// Writes are best-effort: a body store failure never fails a cycle.
type BodyStore interface {
	SaveBodies(ctx context.Context, bodies []*domain.MessageBody) error
	GetBody(ctx context.Context, messageID string) (*domain.MessageBody, error)
	DeleteByAccount(ctx context.Context, accountID string) error
}
