package provider

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"unibox_worker/core/port/out"
)

func TestGmailWrapError(t *testing.T) {
	a := NewGmailAdapter(&GmailConfig{ClientID: "id", ClientSecret: "secret"})

	tests := []struct {
		name      string
		err       error
		wantCode  out.ProviderErrorCode
		retryable bool
	}{
		{"unauthorized", &googleapi.Error{Code: 401}, out.ProviderErrAuth, false},
		{"forbidden", &googleapi.Error{Code: 403, Message: "access denied"}, out.ProviderErrAuth, false},
		{"user rate limit", &googleapi.Error{Code: 403, Message: "User Rate Limit Exceeded"}, out.ProviderErrRateLimit, true},
		{"not found", &googleapi.Error{Code: 404}, out.ProviderErrNotFound, false},
		{"too many requests", &googleapi.Error{Code: 429}, out.ProviderErrRateLimit, true},
		{"server error", &googleapi.Error{Code: 503}, out.ProviderErrServer, true},
		{"plain network error", errors.New("connection reset"), out.ProviderErrNetwork, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := a.wrapError(tt.err, "request failed")

			var pe *out.ProviderError
			if !errors.As(wrapped, &pe) {
				t.Fatalf("expected *out.ProviderError, got %T", wrapped)
			}
			if pe.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", pe.Code, tt.wantCode)
			}
			if pe.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", pe.Retryable, tt.retryable)
			}
			if !errors.Is(wrapped, tt.err) {
				t.Error("wrapped error should unwrap to the original")
			}
		})
	}

	if a.wrapError(nil, "noop") != nil {
		t.Error("nil error should stay nil")
	}
}

func TestIsInvalidGrant(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("invalid_grant"), false},
		{"retrieve error with code", &oauth2.RetrieveError{ErrorCode: "invalid_grant"}, true},
		{"retrieve error with body", &oauth2.RetrieveError{Body: []byte(`{"error":"invalid_grant"}`)}, true},
		{"retrieve error other", &oauth2.RetrieveError{ErrorCode: "server_error"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isInvalidGrant(tt.err); got != tt.want {
				t.Errorf("isInvalidGrant() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildRawReply(t *testing.T) {
	raw := buildRawReply([]string{"a@example.com", "b@example.com"}, "Re: hello", "<orig@mail>", "thanks")

	headerEnd := strings.Index(raw, "\r\n\r\n")
	if headerEnd < 0 {
		t.Fatal("missing header/body separator")
	}
	headers := raw[:headerEnd]
	body := raw[headerEnd+4:]

	for _, want := range []string{
		"To: a@example.com, b@example.com",
		"Subject: Re: hello",
		"In-Reply-To: <orig@mail>",
		"References: <orig@mail>",
		"Content-Type: text/plain; charset=UTF-8",
	} {
		if !strings.Contains(headers, want) {
			t.Errorf("headers missing %q:\n%s", want, headers)
		}
	}
	if body != "thanks" {
		t.Errorf("body = %q, want %q", body, "thanks")
	}
}

func TestBuildRawReplyNoInReplyTo(t *testing.T) {
	raw := buildRawReply([]string{"a@example.com"}, "Re: x", "", "hi")
	if strings.Contains(raw, "In-Reply-To") || strings.Contains(raw, "References") {
		t.Error("threading headers should be omitted when the original has no Message-ID")
	}
}

func TestConvertGmailMessage(t *testing.T) {
	bodyText := base64.URLEncoding.EncodeToString([]byte("plain body"))
	bodyHTML := base64.URLEncoding.EncodeToString([]byte("<p>html body</p>"))

	msg := &gmail.Message{
		Id:           "msg-1",
		ThreadId:     "thr-1",
		Snippet:      "preview",
		LabelIds:     []string{"INBOX", "UNREAD"},
		InternalDate: 1714000000000,
		Payload: &gmail.MessagePart{
			MimeType: "multipart/alternative",
			Headers: []*gmail.MessagePartHeader{
				{Name: "Subject", Value: "hello"},
				{Name: "From", Value: "Alice <alice@example.com>"},
				{Name: "To", Value: "Bob <bob@example.com>, carol@example.com"},
				{Name: "Cc", Value: "dave@example.com"},
			},
			Parts: []*gmail.MessagePart{
				{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: bodyText}},
				{MimeType: "text/html", Body: &gmail.MessagePartBody{Data: bodyHTML}},
				{MimeType: "application/pdf", Filename: "doc.pdf", Body: &gmail.MessagePartBody{Size: 1234}},
			},
		},
	}

	got := convertGmailMessage(msg)

	if got.ExternalID != "msg-1" || got.ExternalThreadID != "thr-1" {
		t.Errorf("ids = %s/%s", got.ExternalID, got.ExternalThreadID)
	}
	if got.Subject != "hello" {
		t.Errorf("subject = %q", got.Subject)
	}
	if got.From.Email != "alice@example.com" || got.From.Name != "Alice" {
		t.Errorf("from = %+v", got.From)
	}
	if len(got.To) != 2 || got.To[1].Email != "carol@example.com" {
		t.Errorf("to = %+v", got.To)
	}
	if len(got.CC) != 1 {
		t.Errorf("cc = %+v", got.CC)
	}
	if got.IsRead {
		t.Error("UNREAD label should mark the message unread")
	}
	if got.BodyText != "plain body" {
		t.Errorf("body text = %q", got.BodyText)
	}
	if got.BodyHTML != "<p>html body</p>" {
		t.Errorf("body html = %q", got.BodyHTML)
	}
	if !got.HasAttachment || len(got.Attachments) != 1 || got.Attachments[0].Filename != "doc.pdf" {
		t.Errorf("attachments = %+v", got.Attachments)
	}
	if got.Date.IsZero() {
		t.Error("date should fall back to internalDate")
	}
}

func TestParseEmailAddresses(t *testing.T) {
	got := parseEmailAddresses("not-an-address-list <")
	if len(got) != 1 || got[0].Email != "not-an-address-list <" {
		t.Errorf("malformed list should be kept verbatim, got %+v", got)
	}
	if parseEmailAddresses("") != nil {
		t.Error("empty header should yield nil")
	}
}
