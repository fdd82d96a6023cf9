// Package worker runs the sync fleet: the job pool, the schedulers
// that feed it, and the per-account locks that keep cycles serialized.
package worker

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"unibox_worker/core/domain"
)

// Message is one unit of work inside the pool.
type Message struct {
	ID        string             `json:"id"`
	Type      domain.JobType     `json:"type"`
	AccountID string             `json:"account_id"`
	Priority  domain.JobPriority `json:"priority"`
	Payload   json.RawMessage    `json:"payload,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

// NewSyncMessage creates a scheduled sync job for an account.
func NewSyncMessage(accountID string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Type:      domain.JobMailSync,
		AccountID: accountID,
		Priority:  domain.PriorityNormal,
		CreatedAt: time.Now(),
	}
}

// FromJob converts a domain job into a pool message.
func FromJob(job *domain.SyncJob) *Message {
	id := job.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &Message{
		ID:        id,
		Type:      job.Type,
		AccountID: job.AccountID,
		Priority:  job.Priority,
		Payload:   job.Payload,
		CreatedAt: job.CreatedAt,
	}
}

// IsPriority reports whether the message should jump the queue.
func (m *Message) IsPriority() bool {
	return m.Priority >= domain.PriorityHigh
}

// ReplyPayload is the payload carried by mail.reply jobs.
type ReplyPayload struct {
	MessageID string   `json:"message_id"`
	To        []string `json:"to,omitempty"`
	BodyText  string   `json:"body_text"`
}

// ParsePayload decodes a message payload into a typed struct.
func ParsePayload[T any](msg *Message) (*T, error) {
	var payload T
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}
