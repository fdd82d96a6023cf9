// Package out defines outbound ports (driven ports) for the application.
package out

import (
	"context"
	"errors"
	"time"

	"golang.org/x/oauth2"

	"unibox_worker/core/domain"
)

// MailProviderPort is the outbound port for one mail provider API.
// Implementations: Gmail and Outlook adapters.
type MailProviderPort interface {
	ProviderType() domain.Provider

	// RefreshToken exchanges the refresh token for a fresh access token.
	// A rejected refresh token (invalid_grant) maps to ProviderErrInvalidGrant.
	RefreshToken(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error)

	// FetchInitial retrieves a bounded window of recent history and the
	// cursor to sync incrementally from. Resumable via PageToken.
	FetchInitial(ctx context.Context, token *oauth2.Token, opts SyncOptions) (*SyncPage, error)

	// FetchIncremental retrieves changes since cursor. An unusable
	// cursor (expired, provider-side reset) maps to ProviderErrCursorExpired.
	FetchIncremental(ctx context.Context, token *oauth2.Token, cursor string) (*SyncPage, error)

	// SendReply sends a user-authored reply into an existing thread.
	SendReply(ctx context.Context, token *oauth2.Token, ref ReplyRef, reply domain.OutgoingReply) (*SendResult, error)
}

// SyncOptions bounds an initial fetch.
type SyncOptions struct {
	MaxResults int
	PageToken  string
}

// SyncPage is one page of provider changes.
type SyncPage struct {
	Messages      []ProviderMessage
	DeletedIDs    []string
	NextCursor    string
	NextPageToken string
	HasMore       bool
}

// ProviderMessage is a mail item as the provider reports it.
type ProviderMessage struct {
	ExternalID       string
	ExternalThreadID string

	Subject string
	Snippet string
	From    EmailAddress
	To      []EmailAddress
	CC      []EmailAddress

	Date          time.Time
	IsRead        bool
	HasAttachment bool
	Attachments   []domain.Attachment

	BodyText string
	BodyHTML string
}

// EmailAddress is a parsed mailbox address.
type EmailAddress struct {
	Name  string
	Email string
}

// ReplyRef identifies the provider-side message being replied to.
type ReplyRef struct {
	ExternalID       string
	ExternalThreadID string
	RFCMessageID     string
	Subject          string
	FromAddress      string
}

// SendResult reports the provider IDs of a sent reply.
type SendResult struct {
	ExternalID       string
	ExternalThreadID string
	SentAt           time.Time
}

// ProviderErrorCode classifies provider failures.
type ProviderErrorCode string

const (
	ProviderErrAuth          ProviderErrorCode = "auth_error"
	ProviderErrInvalidGrant  ProviderErrorCode = "invalid_grant" // refresh token revoked, terminal
	ProviderErrRateLimit     ProviderErrorCode = "rate_limit"
	ProviderErrNotFound      ProviderErrorCode = "not_found"
	ProviderErrNetwork       ProviderErrorCode = "network_error"
	ProviderErrServer        ProviderErrorCode = "server_error"
	ProviderErrInvalidInput  ProviderErrorCode = "invalid_input"
	ProviderErrCursorExpired ProviderErrorCode = "cursor_expired" // re-baseline required
)

// ProviderError wraps a provider API failure with its classification.
type ProviderError struct {
	Provider  domain.Provider
	Code      ProviderErrorCode
	Message   string
	Err       error
	Retryable bool
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError creates a new provider error.
func NewProviderError(provider domain.Provider, code ProviderErrorCode, message string, err error, retryable bool) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Err:       err,
		Retryable: retryable,
	}
}

// AsProviderError extracts a *ProviderError from an error chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsProviderErrCode reports whether err carries the given code.
func IsProviderErrCode(err error, code ProviderErrorCode) bool {
	if pe, ok := AsProviderError(err); ok {
		return pe.Code == code
	}
	return false
}

// IsRetryable reports whether err is a transient provider failure.
func IsRetryable(err error) bool {
	if pe, ok := AsProviderError(err); ok {
		return pe.Retryable
	}
	return false
}

// MailProviderFactory resolves the adapter for an account's provider.
type MailProviderFactory interface {
	ProviderFor(provider domain.Provider) (MailProviderPort, error)
}
