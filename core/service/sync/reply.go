package sync

import (
	"context"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"unibox_worker/core/domain"
	"unibox_worker/core/port/in"
	"unibox_worker/core/port/out"
	"unibox_worker/pkg/apperr"
	"unibox_worker/pkg/logger"
)

// ReplyService sends user replies through the owning account's
// provider. Replies are never retried automatically: a duplicate send
// is worse than surfacing the failure to the user.
type ReplyService struct {
	accountRepo out.AccountRepository
	messageRepo out.MessageRepository
	providers   out.MailProviderFactory
	tokens      in.TokenService
	syncer      in.SyncService
}

// NewReplyService creates a reply service.
func NewReplyService(
	accountRepo out.AccountRepository,
	messageRepo out.MessageRepository,
	providers out.MailProviderFactory,
	tokens in.TokenService,
	syncer in.SyncService,
) *ReplyService {
	return &ReplyService{
		accountRepo: accountRepo,
		messageRepo: messageRepo,
		providers:   providers,
		tokens:      tokens,
		syncer:      syncer,
	}
}

// SendReply sends the reply immediately and returns a provisional
// mirror of the sent message. The authoritative copy arrives through
// the next sync cycle, which is triggered on the way out.
func (s *ReplyService) SendReply(ctx context.Context, reply domain.OutgoingReply) (*domain.Message, error) {
	if strings.TrimSpace(reply.BodyText) == "" {
		return nil, apperr.MissingField("body_text")
	}

	account, err := s.accountRepo.GetByID(ctx, reply.AccountID)
	if err != nil {
		return nil, apperr.DatabaseError("load account", err)
	}
	if account.Status == domain.AccountNeedsReconnect {
		return nil, apperr.NeedsReconnect(account.ID)
	}
	if !account.Syncable() {
		return nil, apperr.AccountInactive(account.ID)
	}

	original, err := s.messageRepo.GetByProviderID(ctx, reply.AccountID, reply.MessageID)
	if err != nil {
		return nil, apperr.NotFound("message")
	}

	accessToken, err := s.tokens.EnsureFreshToken(ctx, account)
	if err != nil {
		return nil, err
	}

	provider, err := s.providers.ProviderFor(account.Provider)
	if err != nil {
		return nil, apperr.InternalWithError(err)
	}

	result, err := provider.SendReply(ctx, &oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		Expiry:      account.TokenExpiry,
	}, out.ReplyRef{
		ExternalID:       original.ProviderMessageID,
		ExternalThreadID: original.ProviderThreadID,
		Subject:          original.Subject,
		FromAddress:      original.FromAddress,
	}, reply)
	if err != nil {
		return nil, apperr.ProviderError(string(account.Provider), err)
	}

	// Pull the sent message into the mirror promptly. Best-effort: the
	// scheduled cycle picks it up regardless.
	if err := s.syncer.TriggerSync(ctx, reply.AccountID); err != nil {
		logger.Warn("post-reply sync trigger failed: account=%s err=%v", reply.AccountID, err)
	}

	sentAt := result.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now()
	}

	to := reply.To
	if len(to) == 0 && original.FromAddress != "" {
		to = []string{original.FromAddress}
	}

	subject := original.Subject
	if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}

	return &domain.Message{
		AccountID:         reply.AccountID,
		ThreadID:          original.ThreadID,
		ProviderMessageID: result.ExternalID,
		ProviderThreadID:  original.ProviderThreadID,
		FromAddress:       account.EmailAddress,
		FromName:          account.DisplayName,
		ToAddresses:       to,
		Subject:           subject,
		Snippet:           snippet(reply.BodyText),
		SentAt:            sentAt,
		IsRead:            true,
	}, nil
}

// snippet trims reply text down to preview length.
func snippet(body string) string {
	const max = 200
	body = strings.TrimSpace(strings.ReplaceAll(body, "\r\n", " "))
	body = strings.ReplaceAll(body, "\n", " ")
	if len(body) > max {
		return body[:max]
	}
	return body
}

var _ in.ReplyService = (*ReplyService)(nil)
