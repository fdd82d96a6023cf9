package domain

import (
	"strings"
	"time"
)

// Message is one mail item mirrored from a provider. Uniqueness is
// (AccountID, ProviderMessageID); replays of the same provider item
// update the row instead of inserting a second one. Provider-side
// deletions keep the row and flip IsDeleted.
type Message struct {
	ID                string   `json:"id"`
	AccountID         string   `json:"account_id"`
	ThreadID          string   `json:"thread_id"`
	ProviderMessageID string   `json:"provider_message_id"`
	ProviderThreadID  string   `json:"provider_thread_id"`

	FromAddress string   `json:"from_address"`
	FromName    string   `json:"from_name,omitempty"`
	ToAddresses []string `json:"to_addresses"`
	CcAddresses []string `json:"cc_addresses,omitempty"`

	Subject string    `json:"subject"`
	Snippet string    `json:"snippet"`
	SentAt  time.Time `json:"sent_at"`

	IsRead         bool   `json:"is_read"`
	HasAttachments bool   `json:"has_attachments"`
	BodyRef        string `json:"body_ref,omitempty"`
	IsDeleted      bool   `json:"is_deleted"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Participants collects the distinct addresses on a message, sender first.
func (m *Message) Participants() []string {
	seen := make(map[string]struct{}, 1+len(m.ToAddresses)+len(m.CcAddresses))
	out := make([]string, 0, 1+len(m.ToAddresses)+len(m.CcAddresses))
	add := func(addr string) {
		addr = strings.ToLower(strings.TrimSpace(addr))
		if addr == "" {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	add(m.FromAddress)
	for _, a := range m.ToAddresses {
		add(a)
	}
	for _, a := range m.CcAddresses {
		add(a)
	}
	return out
}

// Thread is the conversation summary derived from its messages. Rows
// are never authored directly: counts, snippet, and last_message_at
// are recomputed from live (non-deleted) messages inside the same
// transaction that changes them.
type Thread struct {
	ID               string    `json:"id"`
	AccountID        string    `json:"account_id"`
	ProviderThreadID string    `json:"provider_thread_id"`
	Subject          string    `json:"subject"`
	Snippet          string    `json:"snippet"`
	Participants     []string  `json:"participants"`
	MessageCount     int       `json:"message_count"`
	UnreadCount      int       `json:"unread_count"`
	LastMessageAt    time.Time `json:"last_message_at"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// MessageBody holds the full content of a message, stored separately
// from the relational row (bodies are large and rarely queried).
type MessageBody struct {
	MessageID   string       `json:"message_id"`
	AccountID   string       `json:"account_id"`
	ExternalID  string       `json:"external_id"`
	BodyText    string       `json:"body_text,omitempty"`
	BodyHTML    string       `json:"body_html,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is metadata only; content stays with the provider.
type Attachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// OutgoingReply is a reply drafted by the user for an existing thread.
type OutgoingReply struct {
	AccountID   string   `json:"account_id"`
	MessageID   string   `json:"message_id"`
	To          []string `json:"to,omitempty"`
	BodyText    string   `json:"body_text"`
}
