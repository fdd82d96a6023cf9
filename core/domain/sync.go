package domain

import (
	"time"

	"github.com/goccy/go-json"
)

type SyncStatus string

const (
	SyncStatusNone           SyncStatus = "none"            // account connected, never synced
	SyncStatusPending        SyncStatus = "pending"         // queued
	SyncStatusSyncing        SyncStatus = "syncing"         // cycle in progress
	SyncStatusIdle           SyncStatus = "idle"            // last cycle succeeded
	SyncStatusError          SyncStatus = "error"           // last cycle failed, retries exhausted
	SyncStatusRetryScheduled SyncStatus = "retry_scheduled" // failed, retry queued
)

type SyncPhase string

const (
	SyncPhaseInitial    SyncPhase = "initial"     // first fetch of recent history
	SyncPhaseDelta      SyncPhase = "delta"       // cursor-based incremental
	SyncPhaseRebaseline SyncPhase = "re_baseline" // cursor expired, fetching fresh baseline
)

// SyncState is the per-account sync ledger. The cursor is the
// provider's opaque position marker (Gmail history ID, Outlook delta
// link) and only ever advances inside the transaction that committed
// the batch it came with.
type SyncState struct {
	ID        int64    `json:"id"`
	AccountID string   `json:"account_id"`
	Provider  Provider `json:"provider"`

	Status    SyncStatus `json:"status"`
	Phase     SyncPhase  `json:"phase,omitempty"`
	Cursor    string     `json:"cursor,omitempty"`
	LastError string     `json:"last_error,omitempty"`

	RetryCount  int       `json:"retry_count"`
	MaxRetries  int       `json:"max_retries"`
	NextRetryAt time.Time `json:"next_retry_at,omitempty"`
	FailedAt    time.Time `json:"failed_at,omitempty"`

	// Checkpoint lets an interrupted initial fetch resume at the page
	// it stopped on instead of starting over.
	CheckpointPageToken   string    `json:"checkpoint_page_token,omitempty"`
	CheckpointSyncedCount int       `json:"checkpoint_synced_count"`
	CheckpointUpdatedAt   time.Time `json:"checkpoint_updated_at,omitempty"`

	TotalSynced          int64     `json:"total_synced"`
	LastSyncCount        int       `json:"last_sync_count"`
	LastSyncAt           time.Time `json:"last_sync_at,omitempty"`
	FirstSyncCompletedAt time.Time `json:"first_sync_completed_at,omitempty"`
	LastSyncDurationMs   int       `json:"last_sync_duration_ms,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsFirstSync reports whether the account has never completed a baseline.
func (s *SyncState) IsFirstSync() bool {
	return s.FirstSyncCompletedAt.IsZero()
}

func (s *SyncState) HasCursor() bool {
	return s.Cursor != ""
}

func (s *SyncState) CanRetry() bool {
	return s.RetryCount < s.MaxRetries
}

// NeedsRetry reports whether a scheduled retry is due.
func (s *SyncState) NeedsRetry() bool {
	if s.Status != SyncStatusRetryScheduled {
		return false
	}
	return !s.NextRetryAt.IsZero() && time.Now().After(s.NextRetryAt)
}

func (s *SyncState) HasCheckpoint() bool {
	return s.CheckpointPageToken != ""
}

// SyncJob is one unit of work submitted to the pool.
type SyncJob struct {
	ID         string          `json:"id"`
	Type       JobType         `json:"type"`
	AccountID  string          `json:"account_id"`
	Priority   JobPriority     `json:"priority"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	RetryCount int             `json:"retry_count"`
	CreatedAt  time.Time       `json:"created_at"`
}

type JobType string

const (
	JobMailSync  JobType = "mail.sync"  // scheduled or manual incremental cycle
	JobMailReply JobType = "mail.reply" // send a user reply, never auto-retried
)

type JobPriority int

const (
	PriorityNormal JobPriority = 0
	PriorityHigh   JobPriority = 1 // manual triggers jump the queue
)

// SyncReport summarizes one completed cycle for logging and state stats.
type SyncReport struct {
	AccountID    string        `json:"account_id"`
	Phase        SyncPhase     `json:"phase"`
	Fetched      int           `json:"fetched"`
	Upserted     int           `json:"upserted"`
	Deleted      int           `json:"deleted"`
	Threads      int           `json:"threads"`
	CursorMoved  bool          `json:"cursor_moved"`
	Duration     time.Duration `json:"-"`
}
