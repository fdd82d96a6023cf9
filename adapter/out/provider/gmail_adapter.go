// Package provider implements mail provider adapters.
package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"unibox_worker/core/domain"
	"unibox_worker/core/port/out"
	"unibox_worker/pkg/logger"
)

// GmailAdapter implements out.MailProviderPort for Gmail. History-based
// incremental sync: the cursor is the mailbox history ID, and a 404 on
// history.list means the history window no longer covers it.
type GmailAdapter struct {
	config *oauth2.Config
	cb     *gobreaker.CircuitBreaker
}

// GmailConfig holds Gmail OAuth client configuration.
type GmailConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// NewGmailAdapter creates a new Gmail adapter.
func NewGmailAdapter(cfg *GmailConfig) *GmailAdapter {
	config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes: []string{
			gmail.GmailReadonlyScope,
			gmail.GmailSendScope,
		},
		Endpoint: google.Endpoint,
	}

	cbSettings := gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker %s: %s -> %s", name, from.String(), to.String())
		},
	}

	return &GmailAdapter{
		config: config,
		cb:     gobreaker.NewCircuitBreaker(cbSettings),
	}
}

// ProviderType returns the provider type.
func (a *GmailAdapter) ProviderType() domain.Provider {
	return domain.ProviderGmail
}

// RefreshToken refreshes the access token through the Google token
// endpoint. A revoked or expired refresh token (invalid_grant) maps to
// the terminal ProviderErrInvalidGrant.
func (a *GmailAdapter) RefreshToken(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error) {
	src := a.config.TokenSource(ctx, token)
	newToken, err := src.Token()
	if err != nil {
		if isInvalidGrant(err) {
			return nil, out.NewProviderError(domain.ProviderGmail, out.ProviderErrInvalidGrant,
				"refresh token rejected", err, false)
		}
		return nil, a.wrapError(err, "failed to refresh token")
	}
	return newToken, nil
}

func isInvalidGrant(err error) bool {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode == "invalid_grant" {
			return true
		}
		return strings.Contains(string(re.Body), "invalid_grant")
	}
	return false
}

// FetchInitial pulls a bounded window of recent messages and returns
// the current history ID as the cursor to sync incrementally from.
func (a *GmailAdapter) FetchInitial(ctx context.Context, token *oauth2.Token, opts out.SyncOptions) (*out.SyncPage, error) {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return nil, err
	}

	maxResults := int64(50)
	if opts.MaxResults > 0 {
		maxResults = int64(opts.MaxResults)
	}

	req := svc.Users.Messages.List("me").MaxResults(maxResults)

	var refs []*gmail.Message
	pageToken := opts.PageToken
	hasMore := false
	nextPageToken := ""

	for {
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}

		resp, err := req.Context(ctx).Do()
		if err != nil {
			return nil, a.wrapError(err, "failed to list messages")
		}
		refs = append(refs, resp.Messages...)

		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken

		if len(refs) >= int(maxResults) {
			hasMore = true
			nextPageToken = pageToken
			break
		}
	}

	messages := a.fetchMessagesParallel(ctx, svc, refs)

	// The history ID is captured even on intermediate pages so a
	// resumed initial fetch still lands on a valid cursor.
	profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return nil, a.wrapError(err, "failed to get profile")
	}

	return &out.SyncPage{
		Messages:      messages,
		NextCursor:    fmt.Sprintf("%d", profile.HistoryId),
		NextPageToken: nextPageToken,
		HasMore:       hasMore,
	}, nil
}

// FetchIncremental lists history records since the cursor. Gmail
// returns 404 when the history ID fell out of the retention window;
// that maps to ProviderErrCursorExpired and the caller re-baselines.
func (a *GmailAdapter) FetchIncremental(ctx context.Context, token *oauth2.Token, cursor string) (*out.SyncPage, error) {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return nil, err
	}

	var historyID uint64
	if _, err := fmt.Sscanf(cursor, "%d", &historyID); err != nil {
		return nil, out.NewProviderError(domain.ProviderGmail, out.ProviderErrCursorExpired,
			"unparseable cursor", err, false)
	}

	var resp *gmail.ListHistoryResponse
	cbErr := a.executeWithCircuitBreaker(ctx, "HistoryList", func() error {
		var apiErr error
		resp, apiErr = svc.Users.History.List("me").StartHistoryId(historyID).Context(ctx).Do()
		return apiErr
	})
	if cbErr != nil {
		var apiErr *googleapi.Error
		if errors.As(cbErr, &apiErr) && apiErr.Code == 404 {
			return nil, out.NewProviderError(domain.ProviderGmail, out.ProviderErrCursorExpired,
				"history window expired", cbErr, false)
		}
		return nil, a.wrapError(cbErr, "failed to get history")
	}

	var deletedIDs []string
	seenIDs := make(map[string]bool)
	var addedRefs []*gmail.Message

	for _, history := range resp.History {
		for _, added := range history.MessagesAdded {
			if !seenIDs[added.Message.Id] {
				seenIDs[added.Message.Id] = true
				addedRefs = append(addedRefs, added.Message)
			}
		}
		for _, deleted := range history.MessagesDeleted {
			deletedIDs = append(deletedIDs, deleted.Message.Id)
		}
	}

	messages := a.fetchMessagesParallel(ctx, svc, addedRefs)

	nextCursor := cursor
	if resp.HistoryId > 0 {
		nextCursor = fmt.Sprintf("%d", resp.HistoryId)
	}

	return &out.SyncPage{
		Messages:   messages,
		DeletedIDs: deletedIDs,
		NextCursor: nextCursor,
	}, nil
}

// SendReply assembles an RFC 2822 reply and sends it into the original
// thread.
func (a *GmailAdapter) SendReply(ctx context.Context, token *oauth2.Token, ref out.ReplyRef, reply domain.OutgoingReply) (*out.SendResult, error) {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return nil, err
	}

	original, err := svc.Users.Messages.Get("me", ref.ExternalID).Format("metadata").
		MetadataHeaders("Message-ID", "From", "Subject").Context(ctx).Do()
	if err != nil {
		return nil, a.wrapError(err, "failed to get original message")
	}

	inReplyTo := getHeader(original.Payload, "Message-ID")
	subject := getHeader(original.Payload, "Subject")
	if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}

	to := reply.To
	if len(to) == 0 {
		if from := getHeader(original.Payload, "From"); from != "" {
			if addr, err := mail.ParseAddress(from); err == nil {
				to = []string{addr.Address}
			} else {
				to = []string{from}
			}
		}
	}

	raw := buildRawReply(to, subject, inReplyTo, reply.BodyText)
	gmailMsg := &gmail.Message{
		Raw:      base64.URLEncoding.EncodeToString([]byte(raw)),
		ThreadId: original.ThreadId,
	}

	sent, err := svc.Users.Messages.Send("me", gmailMsg).Context(ctx).Do()
	if err != nil {
		return nil, a.wrapError(err, "failed to send reply")
	}

	return &out.SendResult{
		ExternalID:       sent.Id,
		ExternalThreadID: sent.ThreadId,
		SentAt:           time.Now(),
	}, nil
}

func buildRawReply(to []string, subject, inReplyTo, body string) string {
	var buf strings.Builder
	buf.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(to, ", ")))
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	if inReplyTo != "" {
		buf.WriteString(fmt.Sprintf("In-Reply-To: %s\r\n", inReplyTo))
		buf.WriteString(fmt.Sprintf("References: %s\r\n", inReplyTo))
	}
	buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(body)
	return buf.String()
}

func (a *GmailAdapter) getService(ctx context.Context, token *oauth2.Token) (*gmail.Service, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	return gmail.NewService(ctx, option.WithTokenSource(
		a.config.TokenSource(ctx, token),
	))
}

// fetchMessagesParallel hydrates message refs with bounded concurrency.
// Individual fetch failures drop the message from the page; it comes
// back on a later cycle through the history stream.
func (a *GmailAdapter) fetchMessagesParallel(ctx context.Context, svc *gmail.Service, refs []*gmail.Message) []out.ProviderMessage {
	if len(refs) == 0 {
		return nil
	}

	const maxConcurrency = 10
	const perMessageTimeout = 15 * time.Second

	type result struct {
		index int
		msg   out.ProviderMessage
		err   error
	}

	results := make(chan result, len(refs))
	sem := make(chan struct{}, maxConcurrency)

	for i, ref := range refs {
		go func(idx int, id string) {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results <- result{index: idx, err: ctx.Err()}
				return
			}

			msgCtx, cancel := context.WithTimeout(ctx, perMessageTimeout)
			defer cancel()

			full, err := svc.Users.Messages.Get("me", id).Format("full").Context(msgCtx).Do()
			if err != nil {
				results <- result{index: idx, err: err}
				return
			}
			results <- result{index: idx, msg: convertGmailMessage(full)}
		}(i, ref.Id)
	}

	messages := make([]out.ProviderMessage, len(refs))
	for collected := 0; collected < len(refs); collected++ {
		select {
		case r := <-results:
			if r.err == nil {
				messages[r.index] = r.msg
			}
		case <-ctx.Done():
			collected = len(refs)
		}
	}

	filtered := make([]out.ProviderMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.ExternalID != "" {
			filtered = append(filtered, msg)
		}
	}
	return filtered
}

func convertGmailMessage(msg *gmail.Message) out.ProviderMessage {
	result := out.ProviderMessage{
		ExternalID:       msg.Id,
		ExternalThreadID: msg.ThreadId,
		Snippet:          msg.Snippet,
	}

	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			switch h.Name {
			case "Subject":
				result.Subject = h.Value
			case "From":
				result.From = parseEmailAddress(h.Value)
			case "To":
				result.To = parseEmailAddresses(h.Value)
			case "Cc":
				result.CC = parseEmailAddresses(h.Value)
			case "Date":
				if t, err := mail.ParseDate(h.Value); err == nil {
					result.Date = t
				}
			}
		}
		extractGmailBody(msg.Payload, &result)
	}

	if result.Date.IsZero() && msg.InternalDate > 0 {
		result.Date = time.UnixMilli(msg.InternalDate)
	}

	result.IsRead = true
	for _, label := range msg.LabelIds {
		if label == "UNREAD" {
			result.IsRead = false
		}
	}

	return result
}

func extractGmailBody(part *gmail.MessagePart, result *out.ProviderMessage) {
	if part == nil {
		return
	}

	if part.Filename != "" && part.Body != nil {
		result.HasAttachment = true
		result.Attachments = append(result.Attachments, domain.Attachment{
			Filename: part.Filename,
			MimeType: part.MimeType,
			Size:     part.Body.Size,
		})
	}

	if part.Body != nil && part.Body.Data != "" {
		if data, err := base64.URLEncoding.DecodeString(part.Body.Data); err == nil {
			switch part.MimeType {
			case "text/plain":
				if result.BodyText == "" {
					result.BodyText = string(data)
				}
			case "text/html":
				if result.BodyHTML == "" {
					result.BodyHTML = string(data)
				}
			}
		}
	}

	for _, p := range part.Parts {
		extractGmailBody(p, result)
	}
}

func getHeader(payload *gmail.MessagePart, name string) string {
	if payload == nil {
		return ""
	}
	for _, h := range payload.Headers {
		if h.Name == name {
			return h.Value
		}
	}
	return ""
}

func parseEmailAddress(s string) out.EmailAddress {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return out.EmailAddress{Email: s}
	}
	return out.EmailAddress{Name: addr.Name, Email: addr.Address}
}

func parseEmailAddresses(s string) []out.EmailAddress {
	list, err := mail.ParseAddressList(s)
	if err != nil {
		if s != "" {
			return []out.EmailAddress{{Email: s}}
		}
		return nil
	}

	result := make([]out.EmailAddress, len(list))
	for i, addr := range list {
		result[i] = out.EmailAddress{Name: addr.Name, Email: addr.Address}
	}
	return result
}

// executeWithCircuitBreaker runs fn behind the breaker. Client errors
// (4xx other than 429) must not trip it; only server-side failures count.
func (a *GmailAdapter) executeWithCircuitBreaker(ctx context.Context, operation string, fn func() error) error {
	_, err := a.cb.Execute(func() (interface{}, error) {
		if err := fn(); err != nil {
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) {
				switch apiErr.Code {
				case 500, 502, 503, 429:
					return nil, err
				case 400, 401, 403, 404:
					return nil, &nonCircuitError{err: err}
				}
			}
			return nil, err
		}
		return nil, nil
	})

	var nce *nonCircuitError
	if errors.As(err, &nce) {
		return nce.err
	}

	if err != nil {
		logger.Warn("gmail circuit breaker: op=%s state=%s err=%v", operation, a.cb.State().String(), err)
	}
	return err
}

type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string { return e.err.Error() }
func (e *nonCircuitError) Unwrap() error { return e.err }

func (a *GmailAdapter) wrapError(err error, defaultMsg string) error {
	if err == nil {
		return nil
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 401:
			return out.NewProviderError(domain.ProviderGmail, out.ProviderErrAuth, "token rejected", err, false)
		case 403:
			if strings.Contains(apiErr.Message, "Rate Limit") {
				return out.NewProviderError(domain.ProviderGmail, out.ProviderErrRateLimit, "rate limit exceeded", err, true)
			}
			return out.NewProviderError(domain.ProviderGmail, out.ProviderErrAuth, "access denied", err, false)
		case 404:
			return out.NewProviderError(domain.ProviderGmail, out.ProviderErrNotFound, "not found", err, false)
		case 429:
			return out.NewProviderError(domain.ProviderGmail, out.ProviderErrRateLimit, "too many requests", err, true)
		case 500, 502, 503:
			return out.NewProviderError(domain.ProviderGmail, out.ProviderErrServer, "server error", err, true)
		}
	}

	return out.NewProviderError(domain.ProviderGmail, out.ProviderErrNetwork, defaultMsg, err, true)
}
