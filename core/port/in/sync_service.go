// Package in defines inbound ports (driving ports) for the application.
package in

import (
	"context"

	"unibox_worker/core/domain"
)

// SyncService runs sync cycles and handles manual triggers.
type SyncService interface {
	// SyncAccount runs one full cycle for the account. The caller
	// (worker pool) holds the account lock for the duration.
	SyncAccount(ctx context.Context, accountID string) (*domain.SyncReport, error)

	// TriggerSync enqueues a high-priority cycle for the account,
	// coalescing with any trigger inside the debounce window.
	TriggerSync(ctx context.Context, accountID string) error
}

// ReplyService sends user replies through the owning account.
type ReplyService interface {
	// SendReply sends the reply immediately. Failures surface to the
	// caller; replies are never retried automatically.
	SendReply(ctx context.Context, reply domain.OutgoingReply) (*domain.Message, error)
}

// TokenService owns the OAuth token lifecycle for accounts.
type TokenService interface {
	// EnsureFreshToken returns a usable access token for the account,
	// refreshing through the provider when the stored one is near
	// expiry. Terminal auth failures flip the account to
	// needs_reconnect before returning the error.
	EnsureFreshToken(ctx context.Context, account *domain.Account) (string, error)
}
