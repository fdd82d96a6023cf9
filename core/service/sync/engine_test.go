package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"unibox_worker/core/domain"
	"unibox_worker/core/port/out"
	"unibox_worker/pkg/apperr"
	"unibox_worker/pkg/ratelimit"
)

// ---- fakes ----

type fakeAccountRepo struct {
	accounts    map[string]*domain.Account
	lastSynced  map[string]time.Time
	statusCalls []string
}

func (f *fakeAccountRepo) GetByID(_ context.Context, id string) (*domain.Account, error) {
	acc, ok := f.accounts[id]
	if !ok {
		return nil, errors.New("no rows")
	}
	cp := *acc
	return &cp, nil
}

func (f *fakeAccountRepo) ListSyncable(_ context.Context) ([]*domain.Account, error) {
	var result []*domain.Account
	for _, acc := range f.accounts {
		if acc.Syncable() {
			result = append(result, acc)
		}
	}
	return result, nil
}

func (f *fakeAccountRepo) UpdateTokens(_ context.Context, id, accessToken, encrypted string, expiry time.Time) error {
	acc := f.accounts[id]
	acc.AccessToken = accessToken
	if encrypted != "" {
		acc.RefreshTokenEncrypted = encrypted
	}
	acc.TokenExpiry = expiry
	return nil
}

func (f *fakeAccountRepo) UpdateStatus(_ context.Context, id string, status domain.AccountStatus, reason string) error {
	f.statusCalls = append(f.statusCalls, string(status))
	f.accounts[id].Status = status
	f.accounts[id].StatusReason = reason
	return nil
}

func (f *fakeAccountRepo) TouchLastSynced(_ context.Context, id string, at time.Time) error {
	if f.lastSynced == nil {
		f.lastSynced = make(map[string]time.Time)
	}
	f.lastSynced[id] = at
	return nil
}

type fakeStateRepo struct {
	state           *domain.SyncState
	statuses        []domain.SyncStatus
	retryAt         time.Time
	retries         int
	failed          bool
	failedMsg       string
	cursorCleared   bool
	checkpoints     []string
	checkpointClear bool
	firstSyncDone   bool
	cycles          int
	retryReset      bool
}

func (f *fakeStateRepo) GetByAccountID(_ context.Context, _ string) (*domain.SyncState, error) {
	return f.state, nil
}

func (f *fakeStateRepo) GetOrCreate(_ context.Context, accountID string, provider domain.Provider) (*domain.SyncState, error) {
	if f.state == nil {
		f.state = &domain.SyncState{AccountID: accountID, Provider: provider, Status: domain.SyncStatusNone, MaxRetries: 5}
	}
	return f.state, nil
}

func (f *fakeStateRepo) UpdateStatus(_ context.Context, _ string, status domain.SyncStatus, _ string) error {
	f.statuses = append(f.statuses, status)
	f.state.Status = status
	return nil
}

func (f *fakeStateRepo) UpdateStatusWithPhase(_ context.Context, _ string, status domain.SyncStatus, phase domain.SyncPhase, _ string) error {
	f.statuses = append(f.statuses, status)
	f.state.Status = status
	f.state.Phase = phase
	return nil
}

func (f *fakeStateRepo) ClearCursor(_ context.Context, _ string) error {
	f.cursorCleared = true
	f.state.Cursor = ""
	f.state.Phase = domain.SyncPhaseRebaseline
	return nil
}

func (f *fakeStateRepo) ScheduleRetry(_ context.Context, _ string, nextRetryAt time.Time) error {
	f.retries++
	f.retryAt = nextRetryAt
	f.state.Status = domain.SyncStatusRetryScheduled
	f.state.RetryCount++
	return nil
}

func (f *fakeStateRepo) GetPendingRetries(_ context.Context, _ time.Time) ([]*domain.SyncState, error) {
	return nil, nil
}

func (f *fakeStateRepo) ResetRetryCount(_ context.Context, _ string) error {
	f.retryReset = true
	f.state.RetryCount = 0
	return nil
}

func (f *fakeStateRepo) MarkFailed(_ context.Context, _ string, errMsg string) error {
	f.failed = true
	f.failedMsg = errMsg
	f.state.Status = domain.SyncStatusError
	return nil
}

func (f *fakeStateRepo) SaveCheckpoint(_ context.Context, _ string, pageToken string, _ int) error {
	f.checkpoints = append(f.checkpoints, pageToken)
	f.state.CheckpointPageToken = pageToken
	return nil
}

func (f *fakeStateRepo) ClearCheckpoint(_ context.Context, _ string) error {
	f.checkpointClear = true
	f.state.CheckpointPageToken = ""
	return nil
}

func (f *fakeStateRepo) RecordCycle(_ context.Context, _ string, count int, _ int) error {
	f.cycles++
	f.state.LastSyncCount = count
	return nil
}

func (f *fakeStateRepo) MarkFirstSyncComplete(_ context.Context, _ string) error {
	f.firstSyncDone = true
	f.state.FirstSyncCompletedAt = time.Now()
	return nil
}

// fakeMessageRepo models the reconcile contract: rows keyed by
// provider message ID, and a cursor that only moves when a batch
// commits.
type fakeMessageRepo struct {
	batches []out.ReconcileBatch
	rows    map[string]*domain.Message
	cursor  string
	err     error
}

func (f *fakeMessageRepo) Reconcile(_ context.Context, batch out.ReconcileBatch) (*out.ReconcileResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.batches = append(f.batches, batch)
	if f.rows == nil {
		f.rows = make(map[string]*domain.Message)
	}

	ids := make(map[string]string, len(batch.Upserts))
	threads := make(map[string]bool)
	for _, m := range batch.Upserts {
		f.rows[m.ProviderMessageID] = m
		ids[m.ProviderMessageID] = "local-" + m.ProviderMessageID
		threads[m.ProviderThreadID] = true
	}
	for _, id := range batch.DeletedIDs {
		delete(f.rows, id)
	}

	moved := batch.NextCursor != "" && batch.NextCursor != f.cursor
	if batch.NextCursor != "" {
		f.cursor = batch.NextCursor
	}
	return &out.ReconcileResult{
		Upserted:    len(batch.Upserts),
		Deleted:     len(batch.DeletedIDs),
		Threads:     len(threads),
		CursorMoved: moved,
		MessageIDs:  ids,
	}, nil
}

func (f *fakeMessageRepo) GetByProviderID(_ context.Context, _, _ string) (*domain.Message, error) {
	return nil, errors.New("not found")
}

func (f *fakeMessageRepo) GetThread(_ context.Context, _, _ string) (*domain.Thread, error) {
	return nil, errors.New("not found")
}

func (f *fakeMessageRepo) CountByAccount(_ context.Context, _ string) (int64, error) {
	return 0, nil
}

type fakeBodyStore struct {
	saved []*domain.MessageBody
	err   error
}

func (f *fakeBodyStore) SaveBodies(_ context.Context, bodies []*domain.MessageBody) error {
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, bodies...)
	return nil
}

func (f *fakeBodyStore) GetBody(_ context.Context, _ string) (*domain.MessageBody, error) {
	return nil, nil
}

func (f *fakeBodyStore) DeleteByAccount(_ context.Context, _ string) error { return nil }

type fakeProvider struct {
	provider    domain.Provider
	initial     func(opts out.SyncOptions) (*out.SyncPage, error)
	incremental func(cursor string) (*out.SyncPage, error)
}

func (f *fakeProvider) ProviderType() domain.Provider { return f.provider }

func (f *fakeProvider) RefreshToken(_ context.Context, token *oauth2.Token) (*oauth2.Token, error) {
	return token, nil
}

func (f *fakeProvider) FetchInitial(_ context.Context, _ *oauth2.Token, opts out.SyncOptions) (*out.SyncPage, error) {
	return f.initial(opts)
}

func (f *fakeProvider) FetchIncremental(_ context.Context, _ *oauth2.Token, cursor string) (*out.SyncPage, error) {
	return f.incremental(cursor)
}

func (f *fakeProvider) SendReply(_ context.Context, _ *oauth2.Token, _ out.ReplyRef, _ domain.OutgoingReply) (*out.SendResult, error) {
	return &out.SendResult{ExternalID: "sent-1", SentAt: time.Now()}, nil
}

type fakeFactory struct{ p out.MailProviderPort }

func (f *fakeFactory) ProviderFor(_ domain.Provider) (out.MailProviderPort, error) {
	return f.p, nil
}

type fakeTokens struct{ err error }

func (f *fakeTokens) EnsureFreshToken(_ context.Context, acc *domain.Account) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "test-access-token", nil
}

type fakeQueue struct{ jobs []*domain.SyncJob }

func (f *fakeQueue) Enqueue(_ context.Context, job *domain.SyncJob) error {
	f.jobs = append(f.jobs, job)
	return nil
}

// ---- helpers ----

func testAccount() *domain.Account {
	return &domain.Account{
		ID:           "acc-1",
		Provider:     domain.ProviderGmail,
		EmailAddress: "user@example.com",
		Status:       domain.AccountActive,
		AccessToken:  "stored-token",
		TokenExpiry:  time.Now().Add(time.Hour),
	}
}

func pageMsg(id string) out.ProviderMessage {
	return out.ProviderMessage{
		ExternalID:       id,
		ExternalThreadID: "thread-" + id,
		Subject:          "Subject " + id,
		From:             out.EmailAddress{Email: "sender@example.com"},
		To:               []out.EmailAddress{{Email: "user@example.com"}},
		Date:             time.Now(),
		BodyText:         "body of " + id,
	}
}

type engineFixture struct {
	engine   *Engine
	accounts *fakeAccountRepo
	states   *fakeStateRepo
	messages *fakeMessageRepo
	bodies   *fakeBodyStore
	queue    *fakeQueue
}

func newEngineFixture(p *fakeProvider, state *domain.SyncState) *engineFixture {
	f := &engineFixture{
		accounts: &fakeAccountRepo{accounts: map[string]*domain.Account{"acc-1": testAccount()}},
		states:   &fakeStateRepo{state: state},
		messages: &fakeMessageRepo{},
		bodies:   &fakeBodyStore{},
		queue:    &fakeQueue{},
	}
	f.engine = NewEngine(
		f.accounts, f.states, f.messages, f.bodies,
		&fakeFactory{p: p}, &fakeTokens{}, f.queue,
		ratelimit.NewProviderGuard(nil, nil),
		&EngineConfig{InitialWindow: 50, Backoff: ratelimit.BackoffPolicy{Base: time.Millisecond, Cap: time.Millisecond, MaxAttempts: 3}},
	)
	return f
}

// ---- tests ----

func TestSyncAccountFirstBaseline(t *testing.T) {
	call := 0
	p := &fakeProvider{
		provider: domain.ProviderGmail,
		initial: func(opts out.SyncOptions) (*out.SyncPage, error) {
			call++
			switch call {
			case 1:
				if opts.PageToken != "" {
					t.Errorf("first page should start without a page token, got %q", opts.PageToken)
				}
				return &out.SyncPage{
					Messages:      []out.ProviderMessage{pageMsg("m1"), pageMsg("m2")},
					NextCursor:    "cursor-100",
					NextPageToken: "page-2",
					HasMore:       true,
				}, nil
			default:
				if opts.PageToken != "page-2" {
					t.Errorf("second page should resume at page-2, got %q", opts.PageToken)
				}
				return &out.SyncPage{
					Messages:   []out.ProviderMessage{pageMsg("m3")},
					NextCursor: "cursor-101",
				}, nil
			}
		},
	}

	fx := newEngineFixture(p, nil)
	report, err := fx.engine.SyncAccount(context.Background(), "acc-1")
	if err != nil {
		t.Fatalf("SyncAccount: %v", err)
	}

	if report.Phase != domain.SyncPhaseInitial {
		t.Errorf("phase = %s, want initial", report.Phase)
	}
	if report.Fetched != 3 || report.Upserted != 3 {
		t.Errorf("fetched=%d upserted=%d, want 3/3", report.Fetched, report.Upserted)
	}
	if len(fx.messages.batches) != 2 {
		t.Fatalf("batches = %d, want one per page", len(fx.messages.batches))
	}
	if fx.messages.batches[1].NextCursor != "cursor-101" {
		t.Errorf("final batch cursor = %q, want cursor-101", fx.messages.batches[1].NextCursor)
	}
	if !fx.states.firstSyncDone {
		t.Error("first sync completion not recorded")
	}
	if len(fx.states.checkpoints) != 1 || fx.states.checkpoints[0] != "page-2" {
		t.Errorf("checkpoints = %v, want [page-2]", fx.states.checkpoints)
	}
	if len(fx.bodies.saved) != 3 {
		t.Errorf("bodies saved = %d, want 3", len(fx.bodies.saved))
	}
	if fx.states.state.Status != domain.SyncStatusIdle {
		t.Errorf("final status = %s, want idle", fx.states.state.Status)
	}
	if _, ok := fx.accounts.lastSynced["acc-1"]; !ok {
		t.Error("last_synced_at not touched")
	}
}

func TestSyncAccountDelta(t *testing.T) {
	p := &fakeProvider{
		provider: domain.ProviderGmail,
		incremental: func(cursor string) (*out.SyncPage, error) {
			if cursor != "cursor-100" {
				t.Errorf("cursor = %q, want cursor-100", cursor)
			}
			return &out.SyncPage{
				Messages:   []out.ProviderMessage{pageMsg("m9")},
				DeletedIDs: []string{"m1"},
				NextCursor: "cursor-200",
			}, nil
		},
	}

	state := &domain.SyncState{
		AccountID: "acc-1", Provider: domain.ProviderGmail,
		Status: domain.SyncStatusIdle, Cursor: "cursor-100",
		MaxRetries: 5, FirstSyncCompletedAt: time.Now().Add(-time.Hour),
	}
	fx := newEngineFixture(p, state)

	report, err := fx.engine.SyncAccount(context.Background(), "acc-1")
	if err != nil {
		t.Fatalf("SyncAccount: %v", err)
	}
	if report.Phase != domain.SyncPhaseDelta {
		t.Errorf("phase = %s, want delta", report.Phase)
	}
	if report.Deleted != 1 || report.Upserted != 1 {
		t.Errorf("deleted=%d upserted=%d, want 1/1", report.Deleted, report.Upserted)
	}
	if !report.CursorMoved {
		t.Error("cursor should have moved with the batch")
	}
	if got := fx.messages.batches[0].NextCursor; got != "cursor-200" {
		t.Errorf("batch cursor = %q, want cursor-200", got)
	}
}

func TestSyncAccountCursorExpiredRebaselines(t *testing.T) {
	p := &fakeProvider{
		provider: domain.ProviderGmail,
		incremental: func(_ string) (*out.SyncPage, error) {
			return nil, out.NewProviderError(domain.ProviderGmail, out.ProviderErrCursorExpired, "history window expired", nil, false)
		},
		initial: func(_ out.SyncOptions) (*out.SyncPage, error) {
			return &out.SyncPage{
				Messages:   []out.ProviderMessage{pageMsg("m1")},
				NextCursor: "cursor-fresh",
			}, nil
		},
	}

	state := &domain.SyncState{
		AccountID: "acc-1", Provider: domain.ProviderGmail,
		Status: domain.SyncStatusIdle, Cursor: "cursor-stale",
		MaxRetries: 5, FirstSyncCompletedAt: time.Now().Add(-time.Hour),
	}
	fx := newEngineFixture(p, state)

	report, err := fx.engine.SyncAccount(context.Background(), "acc-1")
	if err != nil {
		t.Fatalf("SyncAccount: %v", err)
	}
	if !fx.states.cursorCleared {
		t.Error("stale cursor was not cleared")
	}
	if report.Phase != domain.SyncPhaseRebaseline {
		t.Errorf("phase = %s, want re_baseline", report.Phase)
	}
	if got := fx.messages.batches[0].NextCursor; got != "cursor-fresh" {
		t.Errorf("rebaseline cursor = %q, want cursor-fresh", got)
	}
	if fx.states.firstSyncDone {
		t.Error("re-baseline must not re-record first sync completion")
	}
}

func TestSyncAccountRetryableFailure(t *testing.T) {
	p := &fakeProvider{
		provider: domain.ProviderGmail,
		incremental: func(_ string) (*out.SyncPage, error) {
			return nil, out.NewProviderError(domain.ProviderGmail, out.ProviderErrRateLimit, "too many requests", nil, true)
		},
	}

	state := &domain.SyncState{
		AccountID: "acc-1", Provider: domain.ProviderGmail,
		Status: domain.SyncStatusIdle, Cursor: "cursor-100",
		MaxRetries: 5, FirstSyncCompletedAt: time.Now().Add(-time.Hour),
	}
	fx := newEngineFixture(p, state)

	_, err := fx.engine.SyncAccount(context.Background(), "acc-1")
	if err == nil {
		t.Fatal("expected error")
	}
	if fx.states.retries != 1 {
		t.Errorf("retries scheduled = %d, want 1", fx.states.retries)
	}
	if fx.states.failed {
		t.Error("retryable failure must not mark the state failed")
	}
	if fx.states.retryAt.Before(time.Now().Add(-time.Second)) {
		t.Error("retry scheduled in the past")
	}
}

func TestSyncAccountExhaustedRetriesMarkFailed(t *testing.T) {
	p := &fakeProvider{
		provider: domain.ProviderGmail,
		incremental: func(_ string) (*out.SyncPage, error) {
			return nil, out.NewProviderError(domain.ProviderGmail, out.ProviderErrRateLimit, "too many requests", nil, true)
		},
	}

	state := &domain.SyncState{
		AccountID: "acc-1", Provider: domain.ProviderGmail,
		Status: domain.SyncStatusRetryScheduled, Cursor: "cursor-100",
		RetryCount: 5, MaxRetries: 5,
		FirstSyncCompletedAt: time.Now().Add(-time.Hour),
	}
	fx := newEngineFixture(p, state)

	_, err := fx.engine.SyncAccount(context.Background(), "acc-1")
	if err == nil {
		t.Fatal("expected error")
	}
	if fx.states.retries != 0 {
		t.Errorf("retries scheduled = %d, want 0 after exhaustion", fx.states.retries)
	}
	if !fx.states.failed {
		t.Error("exhausted retries must mark the state failed")
	}
}

func TestSyncAccountInactive(t *testing.T) {
	fx := newEngineFixture(&fakeProvider{provider: domain.ProviderGmail}, nil)
	fx.accounts.accounts["acc-1"].Status = domain.AccountNeedsReconnect

	_, err := fx.engine.SyncAccount(context.Background(), "acc-1")
	if err == nil {
		t.Fatal("expected error")
	}
	appErr := apperr.AsAppError(err)
	if appErr == nil || appErr.Code != apperr.CodeAccountInactive {
		t.Errorf("err = %v, want ACCOUNT_INACTIVE", err)
	}
	if len(fx.messages.batches) != 0 {
		t.Error("inactive account must not reach the provider")
	}
}

func TestSyncAccountBodyStoreFailureDoesNotFailCycle(t *testing.T) {
	p := &fakeProvider{
		provider: domain.ProviderGmail,
		incremental: func(_ string) (*out.SyncPage, error) {
			return &out.SyncPage{
				Messages:   []out.ProviderMessage{pageMsg("m1")},
				NextCursor: "cursor-2",
			}, nil
		},
	}

	state := &domain.SyncState{
		AccountID: "acc-1", Provider: domain.ProviderGmail,
		Status: domain.SyncStatusIdle, Cursor: "cursor-1",
		MaxRetries: 5, FirstSyncCompletedAt: time.Now().Add(-time.Hour),
	}
	fx := newEngineFixture(p, state)
	fx.bodies.err = errors.New("mongo down")

	report, err := fx.engine.SyncAccount(context.Background(), "acc-1")
	if err != nil {
		t.Fatalf("body store failure must not fail the cycle: %v", err)
	}
	if report.Upserted != 1 {
		t.Errorf("upserted = %d, want 1", report.Upserted)
	}
	if fx.states.state.Status != domain.SyncStatusIdle {
		t.Errorf("status = %s, want idle", fx.states.state.Status)
	}
}

func TestTriggerSyncDebounce(t *testing.T) {
	fx := newEngineFixture(&fakeProvider{provider: domain.ProviderGmail}, nil)

	if err := fx.engine.TriggerSync(context.Background(), "acc-1"); err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	if err := fx.engine.TriggerSync(context.Background(), "acc-1"); err != nil {
		t.Fatalf("second trigger: %v", err)
	}

	if len(fx.queue.jobs) != 1 {
		t.Fatalf("enqueued jobs = %d, want 1 (second trigger coalesces)", len(fx.queue.jobs))
	}
	job := fx.queue.jobs[0]
	if job.Type != domain.JobMailSync || job.Priority != domain.PriorityHigh {
		t.Errorf("job = %s/%d, want mail.sync high priority", job.Type, job.Priority)
	}
}

func TestBaselineBoundedByInitialWindow(t *testing.T) {
	calls := 0
	serial := 0
	p := &fakeProvider{
		provider: domain.ProviderGmail,
		initial: func(opts out.SyncOptions) (*out.SyncPage, error) {
			calls++
			// a huge mailbox: the provider always claims more pages
			n := 20
			if opts.MaxResults < n {
				n = opts.MaxResults
			}
			msgs := make([]out.ProviderMessage, 0, n)
			for i := 0; i < n; i++ {
				serial++
				msgs = append(msgs, pageMsg(fmt.Sprintf("m%d", serial)))
			}
			return &out.SyncPage{
				Messages:      msgs,
				NextCursor:    "cursor-base",
				NextPageToken: fmt.Sprintf("page-%d", calls+1),
				HasMore:       true,
			}, nil
		},
	}

	fx := newEngineFixture(p, nil)
	report, err := fx.engine.SyncAccount(context.Background(), "acc-1")
	if err != nil {
		t.Fatalf("SyncAccount: %v", err)
	}

	if report.Fetched != 50 {
		t.Errorf("fetched = %d, want the 50-message window", report.Fetched)
	}
	if calls != 3 {
		t.Errorf("provider calls = %d, want 3 (budgets 50, 30, 10)", calls)
	}
	if len(fx.messages.rows) != 50 {
		t.Errorf("rows = %d, want 50", len(fx.messages.rows))
	}
	if !fx.states.firstSyncDone {
		t.Error("bounded baseline still completes the first sync")
	}
}

func TestBaselineResumesWithRemainingBudget(t *testing.T) {
	calls := 0
	p := &fakeProvider{
		provider: domain.ProviderGmail,
		initial: func(opts out.SyncOptions) (*out.SyncPage, error) {
			calls++
			if opts.PageToken != "page-9" {
				t.Errorf("resume page token = %q, want page-9", opts.PageToken)
			}
			if opts.MaxResults != 10 {
				t.Errorf("resume budget = %d, want the 10 left of the window", opts.MaxResults)
			}
			msgs := make([]out.ProviderMessage, 0, 10)
			for i := 0; i < 10; i++ {
				msgs = append(msgs, pageMsg(fmt.Sprintf("r%d", i)))
			}
			return &out.SyncPage{
				Messages:      msgs,
				NextCursor:    "cursor-base",
				NextPageToken: "page-10",
				HasMore:       true,
			}, nil
		},
	}

	state := &domain.SyncState{
		AccountID: "acc-1", Provider: domain.ProviderGmail,
		Status: domain.SyncStatusSyncing, MaxRetries: 5,
		CheckpointPageToken:   "page-9",
		CheckpointSyncedCount: 40,
	}
	fx := newEngineFixture(p, state)

	report, err := fx.engine.SyncAccount(context.Background(), "acc-1")
	if err != nil {
		t.Fatalf("SyncAccount: %v", err)
	}
	if calls != 1 {
		t.Errorf("provider calls = %d, want 1", calls)
	}
	if report.Fetched != 10 {
		t.Errorf("fetched = %d, want 10", report.Fetched)
	}
	if !fx.states.checkpointClear {
		t.Error("checkpoint not cleared after the window filled")
	}
	if !fx.states.firstSyncDone {
		t.Error("first sync completion not recorded")
	}
}

func TestReconcileFailureKeepsCursorAndSkipsBodies(t *testing.T) {
	p := &fakeProvider{
		provider: domain.ProviderGmail,
		incremental: func(_ string) (*out.SyncPage, error) {
			return &out.SyncPage{
				Messages:   []out.ProviderMessage{pageMsg("m1")},
				NextCursor: "cursor-2",
			}, nil
		},
	}

	state := &domain.SyncState{
		AccountID: "acc-1", Provider: domain.ProviderGmail,
		Status: domain.SyncStatusIdle, Cursor: "cursor-1",
		MaxRetries: 5, FirstSyncCompletedAt: time.Now().Add(-time.Hour),
	}
	fx := newEngineFixture(p, state)
	fx.messages.err = errors.New("deadlock detected")

	_, err := fx.engine.SyncAccount(context.Background(), "acc-1")
	if err == nil {
		t.Fatal("expected error")
	}
	if fx.messages.cursor != "" {
		t.Errorf("cursor advanced to %q despite the batch rolling back", fx.messages.cursor)
	}
	if fx.states.state.Cursor != "cursor-1" {
		t.Errorf("state cursor = %q, want the pre-cycle cursor-1", fx.states.state.Cursor)
	}
	if len(fx.bodies.saved) != 0 {
		t.Error("bodies must not be written when the batch did not commit")
	}
	if !fx.states.failed {
		t.Error("database failure should mark the state failed")
	}
}

func TestReconcileReplayIsIdempotent(t *testing.T) {
	fx := newEngineFixture(&fakeProvider{provider: domain.ProviderGmail}, nil)

	page := &out.SyncPage{
		Messages:   []out.ProviderMessage{pageMsg("m1"), pageMsg("m2")},
		NextCursor: "cursor-5",
	}

	first := &domain.SyncReport{}
	if err := fx.engine.applyPage(context.Background(), "acc-1", page, first); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	replay := &domain.SyncReport{}
	if err := fx.engine.applyPage(context.Background(), "acc-1", page, replay); err != nil {
		t.Fatalf("replayed apply: %v", err)
	}

	if len(fx.messages.rows) != 2 {
		t.Errorf("rows = %d after replay, want 2", len(fx.messages.rows))
	}
	if fx.messages.cursor != "cursor-5" {
		t.Errorf("cursor = %q, want cursor-5", fx.messages.cursor)
	}
	if !first.CursorMoved {
		t.Error("first apply should move the cursor")
	}
	if replay.CursorMoved {
		t.Error("replaying the same batch must not move the cursor again")
	}
}

func TestEmptyDeltaStillAdvancesCursor(t *testing.T) {
	p := &fakeProvider{
		provider: domain.ProviderGmail,
		incremental: func(_ string) (*out.SyncPage, error) {
			return &out.SyncPage{NextCursor: "cursor-2"}, nil
		},
	}

	state := &domain.SyncState{
		AccountID: "acc-1", Provider: domain.ProviderGmail,
		Status: domain.SyncStatusIdle, Cursor: "cursor-1",
		MaxRetries: 5, FirstSyncCompletedAt: time.Now().Add(-time.Hour),
	}
	fx := newEngineFixture(p, state)

	report, err := fx.engine.SyncAccount(context.Background(), "acc-1")
	if err != nil {
		t.Fatalf("SyncAccount: %v", err)
	}
	if report.Upserted != 0 || report.Fetched != 0 {
		t.Errorf("upserted=%d fetched=%d, want 0/0", report.Upserted, report.Fetched)
	}
	if !report.CursorMoved {
		t.Error("an empty delta must still advance the cursor")
	}
	if got := fx.messages.cursor; got != "cursor-2" {
		t.Errorf("cursor = %q, want cursor-2", got)
	}
	if fx.states.state.Status != domain.SyncStatusIdle {
		t.Errorf("status = %s, want idle", fx.states.state.Status)
	}
}

func TestInitialSyncFiftyMessagesTenThreads(t *testing.T) {
	p := &fakeProvider{
		provider: domain.ProviderGmail,
		initial: func(_ out.SyncOptions) (*out.SyncPage, error) {
			msgs := make([]out.ProviderMessage, 0, 50)
			for i := 0; i < 50; i++ {
				m := pageMsg(fmt.Sprintf("m%d", i))
				m.ExternalThreadID = fmt.Sprintf("thread-%d", i%10)
				msgs = append(msgs, m)
			}
			return &out.SyncPage{Messages: msgs, NextCursor: "cursor-base"}, nil
		},
	}

	fx := newEngineFixture(p, nil)
	report, err := fx.engine.SyncAccount(context.Background(), "acc-1")
	if err != nil {
		t.Fatalf("SyncAccount: %v", err)
	}

	if report.Fetched != 50 || report.Upserted != 50 {
		t.Errorf("fetched=%d upserted=%d, want 50/50", report.Fetched, report.Upserted)
	}
	if report.Threads != 10 {
		t.Errorf("threads = %d, want 10", report.Threads)
	}
	if len(fx.messages.rows) != 50 {
		t.Errorf("rows = %d, want 50", len(fx.messages.rows))
	}
	if !fx.states.firstSyncDone {
		t.Error("first sync completion not recorded")
	}
}

func TestRateLimitKeyIsPerProvider(t *testing.T) {
	if got := rateLimitKey(domain.ProviderGmail); got != "gmail" {
		t.Errorf("key = %q, want the bare provider name", got)
	}
	if rateLimitKey(domain.ProviderGmail) == rateLimitKey(domain.ProviderOutlook) {
		t.Error("providers must not share a rate window")
	}
}

func TestTriggerSyncNeedsReconnect(t *testing.T) {
	fx := newEngineFixture(&fakeProvider{provider: domain.ProviderGmail}, nil)
	fx.accounts.accounts["acc-1"].Status = domain.AccountNeedsReconnect

	err := fx.engine.TriggerSync(context.Background(), "acc-1")
	appErr := apperr.AsAppError(err)
	if appErr == nil || appErr.Code != apperr.CodeNeedsReconnect {
		t.Errorf("err = %v, want NEEDS_RECONNECT", err)
	}
	if len(fx.queue.jobs) != 0 {
		t.Error("needs_reconnect account must not enqueue a job")
	}
}
