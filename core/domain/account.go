package domain

import (
	"time"

	"github.com/google/uuid"
)

type Provider string

const (
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
)

func (p Provider) Valid() bool {
	return p == ProviderGmail || p == ProviderOutlook
}

type AccountStatus string

const (
	// AccountActive accounts are picked up by the scheduler.
	AccountActive AccountStatus = "active"
	// AccountNeedsReconnect is terminal until the user reauthorizes:
	// the refresh token was rejected or its ciphertext is unreadable.
	AccountNeedsReconnect AccountStatus = "needs_reconnect"
	// AccountDisabled accounts were switched off by the user.
	AccountDisabled AccountStatus = "disabled"
)

// Account is one connected mailbox. The refresh token is stored
// encrypted and only ever decrypted inside the token service; the
// access token is short-lived and kept alongside its expiry.
type Account struct {
	ID           string    `json:"id"`
	UserID       uuid.UUID `json:"user_id"`
	Provider     Provider  `json:"provider"`
	EmailAddress string    `json:"email_address"`
	DisplayName  string    `json:"display_name,omitempty"`

	AccessToken           string    `json:"-"`
	RefreshTokenEncrypted string    `json:"-"`
	TokenExpiry           time.Time `json:"-"`

	Status       AccountStatus `json:"status"`
	StatusReason string        `json:"status_reason,omitempty"`
	LastSyncedAt time.Time     `json:"last_synced_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Syncable reports whether the scheduler may enqueue this account.
func (a *Account) Syncable() bool {
	return a.Status == AccountActive
}

// TokenFresh reports whether the stored access token is still usable
// with enough margin to finish a sync cycle.
func (a *Account) TokenFresh(margin time.Duration) bool {
	if a.AccessToken == "" || a.TokenExpiry.IsZero() {
		return false
	}
	return time.Until(a.TokenExpiry) >= margin
}
