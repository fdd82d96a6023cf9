// Package sync implements the account sync engine: token lifecycle,
// cursor-based incremental fetch, and transactional reconciliation.
package sync

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"unibox_worker/core/domain"
	"unibox_worker/core/port/in"
	"unibox_worker/core/port/out"
	"unibox_worker/pkg/apperr"
	"unibox_worker/pkg/logger"
	"unibox_worker/pkg/ratelimit"
)

// Engine runs sync cycles. One cycle is: ensure a fresh token, fetch
// changes from the provider (initial window or cursor delta), and apply
// each page as one transactional batch. The cursor only moves with the
// batch it came from, so a crash at any point resumes without losing or
// double-applying changes.
type Engine struct {
	accountRepo out.AccountRepository
	stateRepo   out.SyncStateRepository
	messageRepo out.MessageRepository
	bodyStore   out.BodyStore
	providers   out.MailProviderFactory
	tokens      in.TokenService
	queue       out.JobQueue
	guard       *ratelimit.ProviderGuard
	backoff     ratelimit.BackoffPolicy

	// initialWindow bounds how many recent messages a first sync pulls.
	initialWindow int
}

// EngineConfig tunes the sync engine.
type EngineConfig struct {
	InitialWindow int
	Backoff       ratelimit.BackoffPolicy
}

// DefaultEngineConfig returns the production defaults.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		InitialWindow: 200,
		Backoff:       ratelimit.DefaultBackoffPolicy(),
	}
}

// NewEngine creates a sync engine.
func NewEngine(
	accountRepo out.AccountRepository,
	stateRepo out.SyncStateRepository,
	messageRepo out.MessageRepository,
	bodyStore out.BodyStore,
	providers out.MailProviderFactory,
	tokens in.TokenService,
	queue out.JobQueue,
	guard *ratelimit.ProviderGuard,
	cfg *EngineConfig,
) *Engine {
	if cfg == nil {
		cfg = DefaultEngineConfig()
	}
	return &Engine{
		accountRepo:   accountRepo,
		stateRepo:     stateRepo,
		messageRepo:   messageRepo,
		bodyStore:     bodyStore,
		providers:     providers,
		tokens:        tokens,
		queue:         queue,
		guard:         guard,
		backoff:       cfg.Backoff,
		initialWindow: cfg.InitialWindow,
	}
}

// SyncAccount runs one full cycle for the account. The caller holds the
// per-account lock; the engine never runs two cycles for one account.
func (e *Engine) SyncAccount(ctx context.Context, accountID string) (*domain.SyncReport, error) {
	start := time.Now()

	account, err := e.accountRepo.GetByID(ctx, accountID)
	if err != nil {
		return nil, apperr.DatabaseError("load account", err)
	}
	if !account.Syncable() {
		return nil, apperr.AccountInactive(accountID)
	}

	state, err := e.stateRepo.GetOrCreate(ctx, accountID, account.Provider)
	if err != nil {
		return nil, apperr.DatabaseError("load sync state", err)
	}

	if err := e.stateRepo.UpdateStatus(ctx, accountID, domain.SyncStatusSyncing, ""); err != nil {
		return nil, apperr.DatabaseError("mark syncing", err)
	}

	report, err := e.runCycle(ctx, account, state)
	if err != nil {
		return nil, e.handleFailure(ctx, accountID, state, err)
	}

	report.Duration = time.Since(start)
	e.finishCycle(ctx, accountID, state, report)
	return report, nil
}

// runCycle does the provider round-trip and reconciliation for one cycle.
func (e *Engine) runCycle(ctx context.Context, account *domain.Account, state *domain.SyncState) (*domain.SyncReport, error) {
	accessToken, err := e.tokens.EnsureFreshToken(ctx, account)
	if err != nil {
		return nil, err
	}

	provider, err := e.providers.ProviderFor(account.Provider)
	if err != nil {
		return nil, apperr.InternalWithError(err)
	}

	token := &oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		Expiry:      account.TokenExpiry,
	}

	if !state.HasCursor() {
		return e.runBaseline(ctx, account, state, provider, token)
	}
	return e.runDelta(ctx, account, state, provider, token)
}

// runBaseline pulls the initial window page by page, never fetching
// more than initialWindow messages in total. Each page commits as its
// own batch with a checkpoint, so an interrupted baseline resumes at
// the page it stopped on with whatever budget it had left.
func (e *Engine) runBaseline(ctx context.Context, account *domain.Account, state *domain.SyncState, provider out.MailProviderPort, token *oauth2.Token) (*domain.SyncReport, error) {
	phase := domain.SyncPhaseInitial
	if !state.IsFirstSync() {
		phase = domain.SyncPhaseRebaseline
	}

	report := &domain.SyncReport{AccountID: account.ID, Phase: phase}
	pageToken := state.CheckpointPageToken
	budget := e.initialWindow - state.CheckpointSyncedCount

	for budget > 0 {
		release, err := e.admit(ctx, account)
		if err != nil {
			return nil, err
		}
		page, err := provider.FetchInitial(ctx, token, out.SyncOptions{
			MaxResults: budget,
			PageToken:  pageToken,
		})
		release()
		if err != nil {
			return nil, err
		}

		if err := e.applyPage(ctx, account.ID, page, report); err != nil {
			return nil, err
		}

		budget -= len(page.Messages)
		if !page.HasMore || budget <= 0 {
			break
		}
		pageToken = page.NextPageToken
		if err := e.stateRepo.SaveCheckpoint(ctx, account.ID, pageToken, state.CheckpointSyncedCount+report.Fetched); err != nil {
			logger.Warn("failed to save checkpoint: account=%s err=%v", account.ID, err)
		}
	}

	if state.HasCheckpoint() || state.CheckpointSyncedCount > 0 {
		if err := e.stateRepo.ClearCheckpoint(ctx, account.ID); err != nil {
			logger.Warn("failed to clear checkpoint: account=%s err=%v", account.ID, err)
		}
	}
	if state.IsFirstSync() {
		if err := e.stateRepo.MarkFirstSyncComplete(ctx, account.ID); err != nil {
			logger.Warn("failed to mark first sync complete: account=%s err=%v", account.ID, err)
		}
	}

	return report, nil
}

// runDelta fetches changes past the stored cursor. An expired cursor
// clears it and re-baselines in the same cycle rather than waiting for
// the next tick.
func (e *Engine) runDelta(ctx context.Context, account *domain.Account, state *domain.SyncState, provider out.MailProviderPort, token *oauth2.Token) (*domain.SyncReport, error) {
	report := &domain.SyncReport{AccountID: account.ID, Phase: domain.SyncPhaseDelta}

	release, err := e.admit(ctx, account)
	if err != nil {
		return nil, err
	}
	page, err := provider.FetchIncremental(ctx, token, state.Cursor)
	release()
	if err != nil {
		if out.IsProviderErrCode(err, out.ProviderErrCursorExpired) {
			logger.Warn("cursor expired, re-baselining: account=%s", account.ID)
			if clearErr := e.stateRepo.ClearCursor(ctx, account.ID); clearErr != nil {
				return nil, apperr.DatabaseError("clear cursor", clearErr)
			}
			state.Cursor = ""
			state.CheckpointPageToken = ""
			state.CheckpointSyncedCount = 0
			return e.runBaseline(ctx, account, state, provider, token)
		}
		return nil, err
	}

	if err := e.applyPage(ctx, account.ID, page, report); err != nil {
		return nil, err
	}
	return report, nil
}

// applyPage reconciles one provider page transactionally and then
// writes bodies best-effort. A body store failure never fails the
// cycle; the relational mirror is the source of truth.
func (e *Engine) applyPage(ctx context.Context, accountID string, page *out.SyncPage, report *domain.SyncReport) error {
	batch := out.ReconcileBatch{
		AccountID:  accountID,
		Upserts:    make([]*domain.Message, 0, len(page.Messages)),
		DeletedIDs: page.DeletedIDs,
		NextCursor: page.NextCursor,
	}
	for i := range page.Messages {
		batch.Upserts = append(batch.Upserts, toDomainMessage(accountID, &page.Messages[i]))
	}

	result, err := e.messageRepo.Reconcile(ctx, batch)
	if err != nil {
		return apperr.DatabaseError("reconcile batch", err)
	}

	report.Fetched += len(page.Messages)
	report.Upserted += result.Upserted
	report.Deleted += result.Deleted
	report.Threads += result.Threads
	report.CursorMoved = report.CursorMoved || result.CursorMoved

	if bodies := collectBodies(accountID, page.Messages, result.MessageIDs); len(bodies) > 0 && e.bodyStore != nil {
		if err := e.bodyStore.SaveBodies(ctx, bodies); err != nil {
			logger.Warn("body store write failed: account=%s count=%d err=%v", accountID, len(bodies), err)
		}
	}
	return nil
}

// admit gates one provider API call through the shared concurrency and
// rate limits. The window is keyed by provider alone: the budget is an
// aggregate across every account hitting that provider, not per account.
func (e *Engine) admit(ctx context.Context, account *domain.Account) (func(), error) {
	result, release := e.guard.AcquireWithWait(ctx, rateLimitKey(account.Provider), 5*time.Second)
	if !result.Allowed {
		return nil, out.NewProviderError(account.Provider, out.ProviderErrRateLimit, result.Reason, nil, true)
	}
	return release, nil
}

func rateLimitKey(provider domain.Provider) string {
	return string(provider)
}

// finishCycle records stats for a successful cycle. Bookkeeping
// failures here are logged, not surfaced; the cycle itself committed.
func (e *Engine) finishCycle(ctx context.Context, accountID string, state *domain.SyncState, report *domain.SyncReport) {
	if err := e.stateRepo.RecordCycle(ctx, accountID, report.Upserted+report.Deleted, int(report.Duration.Milliseconds())); err != nil {
		logger.Warn("failed to record cycle stats: account=%s err=%v", accountID, err)
	}
	if state.RetryCount > 0 {
		if err := e.stateRepo.ResetRetryCount(ctx, accountID); err != nil {
			logger.Warn("failed to reset retry count: account=%s err=%v", accountID, err)
		}
	}
	if err := e.stateRepo.UpdateStatusWithPhase(ctx, accountID, domain.SyncStatusIdle, report.Phase, ""); err != nil {
		logger.Warn("failed to mark idle: account=%s err=%v", accountID, err)
	}
	if err := e.accountRepo.TouchLastSynced(ctx, accountID, time.Now()); err != nil {
		logger.Warn("failed to touch last_synced_at: account=%s err=%v", accountID, err)
	}

	logger.Info("sync cycle done: account=%s phase=%s fetched=%d upserted=%d deleted=%d threads=%d duration=%s",
		accountID, report.Phase, report.Fetched, report.Upserted, report.Deleted, report.Threads, report.Duration)
}

// handleFailure classifies a cycle error. Retryable provider failures
// schedule a backoff retry through the sync state so the worker slot
// frees immediately; terminal ones mark the state failed.
func (e *Engine) handleFailure(ctx context.Context, accountID string, state *domain.SyncState, cause error) error {
	if out.IsRetryable(cause) && state.CanRetry() {
		delay := e.backoff.Delay(state.RetryCount + 1)
		nextRetry := time.Now().Add(delay)
		if err := e.stateRepo.ScheduleRetry(ctx, accountID, nextRetry); err != nil {
			logger.Error("failed to schedule retry: account=%s err=%v", accountID, err)
		} else {
			logger.Warn("sync failed, retry scheduled: account=%s attempt=%d delay=%s err=%v",
				accountID, state.RetryCount+1, delay, cause)
		}
		return cause
	}

	if err := e.stateRepo.MarkFailed(ctx, accountID, cause.Error()); err != nil {
		logger.Error("failed to mark sync failed: account=%s err=%v", accountID, err)
	}
	logger.Error("sync failed terminally: account=%s err=%v", accountID, cause)
	return cause
}

// TriggerSync enqueues a high-priority cycle for the account. Triggers
// inside the debounce window coalesce into the one already queued.
func (e *Engine) TriggerSync(ctx context.Context, accountID string) error {
	account, err := e.accountRepo.GetByID(ctx, accountID)
	if err != nil {
		return apperr.DatabaseError("load account", err)
	}
	if !account.Syncable() {
		if account.Status == domain.AccountNeedsReconnect {
			return apperr.NeedsReconnect(accountID)
		}
		return apperr.AccountInactive(accountID)
	}

	if e.guard.ShouldDebounce(ctx, "trigger:"+accountID) {
		logger.Info("manual trigger debounced: account=%s", accountID)
		return nil
	}

	job := &domain.SyncJob{
		ID:        uuid.NewString(),
		Type:      domain.JobMailSync,
		AccountID: accountID,
		Priority:  domain.PriorityHigh,
		CreatedAt: time.Now(),
	}
	if err := e.queue.Enqueue(ctx, job); err != nil {
		return apperr.InternalWithError(err)
	}

	if err := e.stateRepo.UpdateStatus(ctx, accountID, domain.SyncStatusPending, ""); err != nil {
		logger.Warn("failed to mark pending: account=%s err=%v", accountID, err)
	}
	return nil
}

func toDomainMessage(accountID string, pm *out.ProviderMessage) *domain.Message {
	msg := &domain.Message{
		AccountID:         accountID,
		ProviderMessageID: pm.ExternalID,
		ProviderThreadID:  pm.ExternalThreadID,
		FromAddress:       pm.From.Email,
		FromName:          pm.From.Name,
		Subject:           pm.Subject,
		Snippet:           pm.Snippet,
		SentAt:            pm.Date,
		IsRead:            pm.IsRead,
		HasAttachments:    pm.HasAttachment || len(pm.Attachments) > 0,
	}
	for _, addr := range pm.To {
		msg.ToAddresses = append(msg.ToAddresses, addr.Email)
	}
	for _, addr := range pm.CC {
		msg.CcAddresses = append(msg.CcAddresses, addr.Email)
	}
	return msg
}

// collectBodies pairs fetched content with the local row IDs the
// reconcile transaction assigned.
func collectBodies(accountID string, msgs []out.ProviderMessage, messageIDs map[string]string) []*domain.MessageBody {
	if len(messageIDs) == 0 {
		return nil
	}
	bodies := make([]*domain.MessageBody, 0, len(msgs))
	for i := range msgs {
		pm := &msgs[i]
		localID, ok := messageIDs[pm.ExternalID]
		if !ok {
			continue
		}
		if pm.BodyText == "" && pm.BodyHTML == "" && len(pm.Attachments) == 0 {
			continue
		}
		bodies = append(bodies, &domain.MessageBody{
			MessageID:   localID,
			AccountID:   accountID,
			ExternalID:  pm.ExternalID,
			BodyText:    pm.BodyText,
			BodyHTML:    pm.BodyHTML,
			Attachments: pm.Attachments,
		})
	}
	return bodies
}

var _ in.SyncService = (*Engine)(nil)
