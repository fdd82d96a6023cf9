package provider

import (
	"errors"
	"strings"
	"testing"

	"unibox_worker/core/port/out"
)

func TestOutlookWrapHTTPError(t *testing.T) {
	a := NewOutlookAdapter(&OutlookConfig{ClientID: "id", ClientSecret: "secret"})

	tests := []struct {
		name      string
		status    int
		body      string
		wantCode  out.ProviderErrorCode
		retryable bool
	}{
		{"unauthorized", 401, "", out.ProviderErrAuth, false},
		{"forbidden", 403, "", out.ProviderErrAuth, false},
		{"not found", 404, "", out.ProviderErrNotFound, false},
		{"delta token gone", 410, "", out.ProviderErrCursorExpired, false},
		{"throttled", 429, "", out.ProviderErrRateLimit, true},
		{"resync in body", 400, `{"error":{"code":"resyncRequired"}}`, out.ProviderErrCursorExpired, false},
		{"server error", 503, "", out.ProviderErrServer, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.wrapHTTPError(tt.status, tt.body)

			var pe *out.ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *out.ProviderError, got %T", err)
			}
			if pe.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", pe.Code, tt.wantCode)
			}
			if pe.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", pe.Retryable, tt.retryable)
			}
		})
	}
}

func TestIsResyncRequired(t *testing.T) {
	if isResyncRequired(nil) {
		t.Error("nil is not a resync signal")
	}
	if !isResyncRequired(errors.New(`graph error: resyncRequired`)) {
		t.Error("resyncRequired in the message should be detected")
	}
	cursorErr := out.NewProviderError("outlook", out.ProviderErrCursorExpired, "gone", nil, false)
	if !isResyncRequired(cursorErr) {
		t.Error("cursor-expired provider error should be detected")
	}
	if isResyncRequired(errors.New("timeout")) {
		t.Error("unrelated error should not trigger a resync")
	}
}

func TestOutlookConvertMessage(t *testing.T) {
	a := NewOutlookAdapter(&OutlookConfig{})

	msg := &graphMessage{
		ID:             "AAMk-1",
		ConversationID: "AAQk-1",
		Subject:        "status update",
		BodyPreview:    "short preview",
		IsRead:         true,
		HasAttachments: true,
		From: graphRecipient{
			EmailAddress: graphEmailAddress{Name: "Alice", Address: "alice@example.com"},
		},
		ToRecipients: []graphRecipient{
			{EmailAddress: graphEmailAddress{Name: "Bob", Address: "bob@example.com"}},
		},
		CcRecipients: []graphRecipient{
			{EmailAddress: graphEmailAddress{Address: "carol@example.com"}},
		},
		Body:             graphBody{ContentType: "html", Content: "<p>hi</p>"},
		ReceivedDateTime: "2026-04-01T12:30:00Z",
	}

	got := a.convertMessage(msg)

	if got.ExternalID != "AAMk-1" || got.ExternalThreadID != "AAQk-1" {
		t.Errorf("ids = %s/%s", got.ExternalID, got.ExternalThreadID)
	}
	if got.From.Email != "alice@example.com" || got.From.Name != "Alice" {
		t.Errorf("from = %+v", got.From)
	}
	if len(got.To) != 1 || got.To[0].Email != "bob@example.com" {
		t.Errorf("to = %+v", got.To)
	}
	if len(got.CC) != 1 || got.CC[0].Email != "carol@example.com" {
		t.Errorf("cc = %+v", got.CC)
	}
	if got.BodyHTML != "<p>hi</p>" || got.BodyText != "" {
		t.Errorf("html body mapped wrong: html=%q text=%q", got.BodyHTML, got.BodyText)
	}
	if !got.IsRead || !got.HasAttachment {
		t.Errorf("flags = read:%v attach:%v", got.IsRead, got.HasAttachment)
	}
	if got.Date.Year() != 2026 || got.Date.Month() != 4 {
		t.Errorf("date = %v", got.Date)
	}
}

func TestOutlookConvertMessageTextBody(t *testing.T) {
	a := NewOutlookAdapter(&OutlookConfig{})

	got := a.convertMessage(&graphMessage{
		ID:   "AAMk-2",
		Body: graphBody{ContentType: "text", Content: "plain"},
	})
	if got.BodyText != "plain" || got.BodyHTML != "" {
		t.Errorf("text body mapped wrong: html=%q text=%q", got.BodyHTML, got.BodyText)
	}
}

func TestOutlookTenantDefault(t *testing.T) {
	a := NewOutlookAdapter(&OutlookConfig{ClientID: "id"})
	if a.config.Endpoint.AuthURL == "" {
		t.Fatal("endpoint not configured")
	}
	// Missing tenant falls back to the multi-tenant endpoint.
	if !strings.Contains(a.config.Endpoint.AuthURL, "/common/") {
		t.Errorf("auth URL %q missing common tenant", a.config.Endpoint.AuthURL)
	}
}
