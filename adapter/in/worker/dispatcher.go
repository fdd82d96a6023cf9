package worker

import (
	"context"

	"unibox_worker/core/domain"
	"unibox_worker/core/port/in"
	"unibox_worker/pkg/logger"
)

// Handler routes pool messages to the right service. Sync jobs take
// the per-account lock; a job that loses the race skips, the running
// cycle already covers its work.
type Handler struct {
	syncService  in.SyncService
	replyService in.ReplyService
	locks        *AccountLocks
}

// NewHandler creates a message handler.
func NewHandler(syncService in.SyncService, replyService in.ReplyService, locks *AccountLocks) *Handler {
	return &Handler{
		syncService:  syncService,
		replyService: replyService,
		locks:        locks,
	}
}

// Process handles one message.
func (h *Handler) Process(ctx context.Context, msg *Message) error {
	ctx = logger.ContextWithJob(ctx, msg.ID, msg.AccountID)

	switch msg.Type {
	case domain.JobMailSync:
		return h.processSync(ctx, msg)
	case domain.JobMailReply:
		return h.processReply(ctx, msg)
	default:
		logger.Warn("unknown job type: %s", msg.Type)
		return nil
	}
}

func (h *Handler) processSync(ctx context.Context, msg *Message) error {
	if !h.locks.TryAcquire(msg.AccountID) {
		logger.Info("sync already running, skipping: account=%s", msg.AccountID)
		return nil
	}
	defer h.locks.Release(msg.AccountID)

	_, err := h.syncService.SyncAccount(ctx, msg.AccountID)
	return err
}

func (h *Handler) processReply(ctx context.Context, msg *Message) error {
	payload, err := ParsePayload[ReplyPayload](msg)
	if err != nil {
		logger.Error("invalid reply payload: job=%s err=%v", msg.ID, err)
		return err
	}

	_, err = h.replyService.SendReply(ctx, domain.OutgoingReply{
		AccountID: msg.AccountID,
		MessageID: payload.MessageID,
		To:        payload.To,
		BodyText:  payload.BodyText,
	})
	return err
}
