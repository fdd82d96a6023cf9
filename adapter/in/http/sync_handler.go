package http

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"unibox_worker/core/domain"
	"unibox_worker/core/port/in"
	"unibox_worker/core/port/out"
	"unibox_worker/pkg/apperr"
	"unibox_worker/pkg/logger"
)

// SyncHandler exposes manual sync triggers, per-account sync status,
// and reply sending for accounts the caller owns.
type SyncHandler struct {
	syncService  in.SyncService
	replyService in.ReplyService
	accountRepo  out.AccountRepository
	stateRepo    out.SyncStateRepository
}

func NewSyncHandler(
	syncService in.SyncService,
	replyService in.ReplyService,
	accountRepo out.AccountRepository,
	stateRepo out.SyncStateRepository,
) *SyncHandler {
	return &SyncHandler{
		syncService:  syncService,
		replyService: replyService,
		accountRepo:  accountRepo,
		stateRepo:    stateRepo,
	}
}

func (h *SyncHandler) Register(app fiber.Router) {
	accounts := app.Group("/accounts")

	accounts.Post("/:id/sync", h.TriggerSync)
	accounts.Get("/:id/sync", h.SyncStatus)
	accounts.Post("/:id/reply", h.SendReply)
}

// ownedAccount loads the account and verifies it belongs to the caller.
func (h *SyncHandler) ownedAccount(c *fiber.Ctx) (*domain.Account, error) {
	userID, err := GetUserID(c)
	if err != nil {
		return nil, ErrorResponse(c, 401, "unauthorized")
	}

	accountID := c.Params("id")
	if accountID == "" {
		return nil, ErrorResponse(c, 400, "account id required")
	}

	account, err := h.accountRepo.GetByID(c.Context(), accountID)
	if err != nil {
		return nil, ErrorResponse(c, 404, "account not found")
	}
	if account.UserID != userID {
		return nil, ErrorResponse(c, 403, "account does not belong to user")
	}
	return account, nil
}

// TriggerSync requests an immediate sync cycle for the account.
// Triggers inside the debounce window coalesce into one cycle; the
// response is 202 either way since the work happens asynchronously.
func (h *SyncHandler) TriggerSync(c *fiber.Ctx) error {
	account, errResp := h.ownedAccount(c)
	if account == nil {
		return errResp
	}

	if err := h.syncService.TriggerSync(c.Context(), account.ID); err != nil {
		appErr := apperr.AsAppError(err)
		switch appErr.Code {
		case apperr.CodeNeedsReconnect, apperr.CodeAccountInactive:
			return AppErrorResponse(c, err)
		}
		return InternalErrorResponse(c, err, "trigger sync")
	}

	logger.Info("manual sync requested: account=%s", account.ID)

	c.Status(fiber.StatusAccepted)
	return SuccessResponse(c, fiber.Map{
		"account_id": account.ID,
		"queued_at":  time.Now().UTC().Format(time.RFC3339),
	})
}

// SyncStatus reports the account's sync ledger: phase, cursor presence,
// retry schedule, and last cycle stats.
func (h *SyncHandler) SyncStatus(c *fiber.Ctx) error {
	account, errResp := h.ownedAccount(c)
	if account == nil {
		return errResp
	}

	state, err := h.stateRepo.GetByAccountID(c.Context(), account.ID)
	if err != nil {
		return InternalErrorResponse(c, err, "load sync state")
	}

	resp := fiber.Map{
		"account_id":     account.ID,
		"account_status": account.Status,
	}
	if account.StatusReason != "" {
		resp["status_reason"] = account.StatusReason
	}

	if state == nil {
		resp["sync_status"] = "never_synced"
		return SuccessResponse(c, resp)
	}

	resp["sync_status"] = state.Status
	resp["phase"] = state.Phase
	resp["has_cursor"] = state.HasCursor()
	resp["total_synced"] = state.TotalSynced
	resp["last_sync_count"] = state.LastSyncCount
	if !state.LastSyncAt.IsZero() {
		resp["last_sync_at"] = state.LastSyncAt.UTC().Format(time.RFC3339)
	}
	if state.LastSyncDurationMs > 0 {
		resp["last_sync_duration_ms"] = state.LastSyncDurationMs
	}
	if state.RetryCount > 0 {
		resp["retry_count"] = state.RetryCount
		if !state.NextRetryAt.IsZero() {
			resp["next_retry_at"] = state.NextRetryAt.UTC().Format(time.RFC3339)
		}
	}
	if state.LastError != "" {
		resp["last_error"] = state.LastError
	}
	if !state.FirstSyncCompletedAt.IsZero() {
		resp["first_sync_completed_at"] = state.FirstSyncCompletedAt.UTC().Format(time.RFC3339)
	}

	return SuccessResponse(c, resp)
}

type sendReplyRequest struct {
	MessageID string   `json:"message_id"`
	To        []string `json:"to,omitempty"`
	BodyText  string   `json:"body_text"`
}

// SendReply sends a reply on an existing thread through the account's
// provider. The send is synchronous; the mirror copy of the sent
// message lands via the next sync cycle.
func (h *SyncHandler) SendReply(c *fiber.Ctx) error {
	account, errResp := h.ownedAccount(c)
	if account == nil {
		return errResp
	}

	var req sendReplyRequest
	if err := c.BodyParser(&req); err != nil {
		return ErrorResponse(c, 400, "invalid request body")
	}
	if req.MessageID == "" {
		return AppErrorResponse(c, apperr.MissingField("message_id"))
	}

	sent, err := h.replyService.SendReply(c.Context(), domain.OutgoingReply{
		AccountID: account.ID,
		MessageID: req.MessageID,
		To:        req.To,
		BodyText:  req.BodyText,
	})
	if err != nil {
		appErr := apperr.AsAppError(err)
		switch appErr.Code {
		case apperr.CodeInternalError, apperr.CodeDatabaseError:
			return InternalErrorResponse(c, err, "send reply")
		}
		return AppErrorResponse(c, err)
	}

	logger.Info("reply sent: account=%s message=%s", account.ID, req.MessageID)
	return SuccessResponse(c, sent)
}
