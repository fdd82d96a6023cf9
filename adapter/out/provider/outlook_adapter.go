package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"unibox_worker/core/domain"
	"unibox_worker/core/port/out"
)

const graphBaseURL = "https://graph.microsoft.com/v1.0"

// OutlookAdapter implements out.MailProviderPort against the Microsoft
// Graph API. Incremental sync uses delta links: the cursor is the full
// @odata.deltaLink URL, and Graph signals an unusable one with 410
// resyncRequired.
type OutlookAdapter struct {
	config *oauth2.Config
}

// OutlookConfig holds Microsoft OAuth client configuration.
type OutlookConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	TenantID     string
}

// NewOutlookAdapter creates a new Outlook adapter.
func NewOutlookAdapter(cfg *OutlookConfig) *OutlookAdapter {
	tenantID := cfg.TenantID
	if tenantID == "" {
		tenantID = "common"
	}

	config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes: []string{
			"https://graph.microsoft.com/Mail.ReadWrite",
			"https://graph.microsoft.com/Mail.Send",
			"https://graph.microsoft.com/User.Read",
			"offline_access",
		},
		Endpoint: microsoft.AzureADEndpoint(tenantID),
	}

	return &OutlookAdapter{config: config}
}

// ProviderType returns the provider type.
func (a *OutlookAdapter) ProviderType() domain.Provider {
	return domain.ProviderOutlook
}

// RefreshToken refreshes the access token.
func (a *OutlookAdapter) RefreshToken(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error) {
	src := a.config.TokenSource(ctx, token)
	newToken, err := src.Token()
	if err != nil {
		if isInvalidGrant(err) {
			return nil, out.NewProviderError(domain.ProviderOutlook, out.ProviderErrInvalidGrant,
				"refresh token rejected", err, false)
		}
		return nil, a.wrapError(err, "failed to refresh token")
	}
	return newToken, nil
}

const graphMessageSelect = "id,conversationId,subject,bodyPreview,from,toRecipients,ccRecipients,isRead,hasAttachments,receivedDateTime,body"

// FetchInitial pages /me/messages newest first, then fetches a delta
// link so subsequent cycles can sync incrementally. A mid-window page
// is resumable via the @odata.nextLink carried as NextPageToken.
func (a *OutlookAdapter) FetchInitial(ctx context.Context, token *oauth2.Token, opts out.SyncOptions) (*out.SyncPage, error) {
	client := a.config.Client(ctx, token)

	maxResults := 50
	if opts.MaxResults > 0 {
		maxResults = opts.MaxResults
	}

	nextLink := opts.PageToken
	if nextLink == "" {
		params := url.Values{}
		params.Set("$top", fmt.Sprintf("%d", maxResults))
		params.Set("$orderby", "receivedDateTime desc")
		params.Set("$select", graphMessageSelect)
		nextLink = graphBaseURL + "/me/messages?" + params.Encode()
	}

	var messages []out.ProviderMessage

	for nextLink != "" {
		var resp struct {
			Value    []graphMessage `json:"value"`
			NextLink string         `json:"@odata.nextLink"`
		}

		if err := a.doGet(ctx, client, nextLink, &resp); err != nil {
			return nil, err
		}

		for i := range resp.Value {
			messages = append(messages, a.convertMessage(&resp.Value[i]))
		}

		if len(messages) >= maxResults && resp.NextLink != "" {
			return &out.SyncPage{
				Messages:      messages,
				NextPageToken: resp.NextLink,
				HasMore:       true,
			}, nil
		}

		nextLink = resp.NextLink
	}

	deltaLink, err := a.getDeltaLink(ctx, client)
	if err != nil {
		return nil, err
	}

	return &out.SyncPage{
		Messages:   messages,
		NextCursor: deltaLink,
	}, nil
}

// FetchIncremental walks the delta stream from cursor until Graph
// hands back a new delta link.
func (a *OutlookAdapter) FetchIncremental(ctx context.Context, token *oauth2.Token, cursor string) (*out.SyncPage, error) {
	client := a.config.Client(ctx, token)

	if !strings.HasPrefix(cursor, "http") {
		return nil, out.NewProviderError(domain.ProviderOutlook, out.ProviderErrCursorExpired,
			"unusable delta link", nil, false)
	}

	var messages []out.ProviderMessage
	var deletedIDs []string

	nextLink := cursor
	for nextLink != "" {
		var resp struct {
			Value     []graphMessage `json:"value"`
			NextLink  string         `json:"@odata.nextLink"`
			DeltaLink string         `json:"@odata.deltaLink"`
		}

		if err := a.doGet(ctx, client, nextLink, &resp); err != nil {
			if isResyncRequired(err) {
				return nil, out.NewProviderError(domain.ProviderOutlook, out.ProviderErrCursorExpired,
					"delta token expired", err, false)
			}
			return nil, err
		}

		for i := range resp.Value {
			if resp.Value[i].Removed != nil {
				deletedIDs = append(deletedIDs, resp.Value[i].ID)
			} else {
				messages = append(messages, a.convertMessage(&resp.Value[i]))
			}
		}

		if resp.DeltaLink != "" {
			return &out.SyncPage{
				Messages:   messages,
				DeletedIDs: deletedIDs,
				NextCursor: resp.DeltaLink,
			}, nil
		}

		nextLink = resp.NextLink
	}

	// Graph should always terminate a delta walk with a delta link.
	// Keep the old cursor rather than losing it.
	return &out.SyncPage{
		Messages:   messages,
		DeletedIDs: deletedIDs,
		NextCursor: cursor,
	}, nil
}

func isResyncRequired(err error) bool {
	if err == nil {
		return false
	}
	if out.IsProviderErrCode(err, out.ProviderErrCursorExpired) {
		return true
	}
	return strings.Contains(err.Error(), "resyncRequired")
}

// SendReply posts to the Graph reply action, which threads the message
// server-side from the original.
func (a *OutlookAdapter) SendReply(ctx context.Context, token *oauth2.Token, ref out.ReplyRef, reply domain.OutgoingReply) (*out.SendResult, error) {
	client := a.config.Client(ctx, token)

	body := struct {
		Comment string `json:"comment"`
	}{
		Comment: reply.BodyText,
	}

	endpoint := graphBaseURL + "/me/messages/" + url.PathEscape(ref.ExternalID) + "/reply"
	if err := a.doPost(ctx, client, endpoint, body, nil); err != nil {
		return nil, err
	}

	// The reply action returns 202 with no body; Graph assigns the new
	// message ID asynchronously and it arrives through the delta stream.
	return &out.SendResult{
		ExternalThreadID: ref.ExternalThreadID,
		SentAt:           time.Now(),
	}, nil
}

func (a *OutlookAdapter) getDeltaLink(ctx context.Context, client *http.Client) (string, error) {
	nextLink := graphBaseURL + "/me/mailFolders/inbox/messages/delta?$top=1"

	for nextLink != "" {
		var resp struct {
			NextLink  string `json:"@odata.nextLink"`
			DeltaLink string `json:"@odata.deltaLink"`
		}
		if err := a.doGet(ctx, client, nextLink, &resp); err != nil {
			return "", err
		}
		if resp.DeltaLink != "" {
			return resp.DeltaLink, nil
		}
		nextLink = resp.NextLink
	}

	return "", out.NewProviderError(domain.ProviderOutlook, out.ProviderErrServer,
		"no delta link returned", nil, true)
}

func (a *OutlookAdapter) doGet(ctx context.Context, client *http.Client, requestURL string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return a.wrapError(err, "request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return a.wrapHTTPError(resp.StatusCode, string(body))
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(result)
	}
	return nil
}

func (a *OutlookAdapter) doPost(ctx context.Context, client *http.Client, requestURL string, body interface{}, result interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return a.wrapError(err, "request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return a.wrapHTTPError(resp.StatusCode, string(respBody))
	}

	if result != nil && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusAccepted {
		return json.NewDecoder(resp.Body).Decode(result)
	}
	return nil
}

func (a *OutlookAdapter) convertMessage(msg *graphMessage) out.ProviderMessage {
	result := out.ProviderMessage{
		ExternalID:       msg.ID,
		ExternalThreadID: msg.ConversationID,
		Subject:          msg.Subject,
		Snippet:          msg.BodyPreview,
		IsRead:           msg.IsRead,
		HasAttachment:    msg.HasAttachments,
	}

	if msg.From.EmailAddress.Address != "" {
		result.From = out.EmailAddress{
			Name:  msg.From.EmailAddress.Name,
			Email: msg.From.EmailAddress.Address,
		}
	}

	for _, r := range msg.ToRecipients {
		result.To = append(result.To, out.EmailAddress{
			Name:  r.EmailAddress.Name,
			Email: r.EmailAddress.Address,
		})
	}
	for _, r := range msg.CcRecipients {
		result.CC = append(result.CC, out.EmailAddress{
			Name:  r.EmailAddress.Name,
			Email: r.EmailAddress.Address,
		})
	}

	if msg.Body.ContentType == "html" {
		result.BodyHTML = msg.Body.Content
	} else if msg.Body.Content != "" {
		result.BodyText = msg.Body.Content
	}

	if msg.ReceivedDateTime != "" {
		result.Date, _ = time.Parse(time.RFC3339, msg.ReceivedDateTime)
	}

	return result
}

func (a *OutlookAdapter) wrapError(err error, defaultMsg string) error {
	if err == nil {
		return nil
	}
	return out.NewProviderError(domain.ProviderOutlook, out.ProviderErrNetwork, defaultMsg, err, true)
}

func (a *OutlookAdapter) wrapHTTPError(statusCode int, body string) error {
	switch statusCode {
	case 401:
		return out.NewProviderError(domain.ProviderOutlook, out.ProviderErrAuth, "token rejected", nil, false)
	case 403:
		return out.NewProviderError(domain.ProviderOutlook, out.ProviderErrAuth, "access denied", nil, false)
	case 404:
		return out.NewProviderError(domain.ProviderOutlook, out.ProviderErrNotFound, "not found", nil, false)
	case 410:
		return out.NewProviderError(domain.ProviderOutlook, out.ProviderErrCursorExpired, "delta token gone", nil, false)
	case 429:
		return out.NewProviderError(domain.ProviderOutlook, out.ProviderErrRateLimit, "too many requests", nil, true)
	default:
		if strings.Contains(body, "resyncRequired") {
			return out.NewProviderError(domain.ProviderOutlook, out.ProviderErrCursorExpired, "resync required", nil, false)
		}
		return out.NewProviderError(domain.ProviderOutlook, out.ProviderErrServer,
			fmt.Sprintf("HTTP %d: %s", statusCode, body), nil, true)
	}
}

// Graph API types

type graphMessage struct {
	ID               string            `json:"id"`
	ConversationID   string            `json:"conversationId"`
	Subject          string            `json:"subject"`
	BodyPreview      string            `json:"bodyPreview"`
	Body             graphBody         `json:"body"`
	From             graphRecipient    `json:"from"`
	ToRecipients     []graphRecipient  `json:"toRecipients"`
	CcRecipients     []graphRecipient  `json:"ccRecipients"`
	IsRead           bool              `json:"isRead"`
	HasAttachments   bool              `json:"hasAttachments"`
	ReceivedDateTime string            `json:"receivedDateTime"`
	Removed          *graphRemovedInfo `json:"@removed,omitempty"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphRecipient struct {
	EmailAddress graphEmailAddress `json:"emailAddress"`
}

type graphEmailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type graphRemovedInfo struct {
	Reason string `json:"reason"`
}

var _ out.MailProviderPort = (*OutlookAdapter)(nil)
