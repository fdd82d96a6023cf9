package worker

import (
	"context"
	"time"

	"unibox_worker/core/port/out"
	"unibox_worker/pkg/logger"
)

// SyncScheduler periodically enqueues a sync job for every syncable
// account. Submissions are staggered across a window inside the tick so
// 800 accounts do not hit the providers in the same second.
type SyncScheduler struct {
	accountRepo out.AccountRepository
	locks       *AccountLocks
	submit      func(*Message) bool

	interval time.Duration
	window   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSyncScheduler creates a scheduler that feeds the pool.
func NewSyncScheduler(accountRepo out.AccountRepository, locks *AccountLocks, pool *Pool, interval time.Duration) *SyncScheduler {
	if interval <= 0 {
		interval = 3 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SyncScheduler{
		accountRepo: accountRepo,
		locks:       locks,
		submit:      pool.Submit,
		interval:    interval,
		// leave headroom at the end of the tick for stragglers
		window: interval * 8 / 10,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start starts the scheduling loop.
func (s *SyncScheduler) Start() {
	logger.Info("sync scheduler starting: interval=%s", s.interval)
	go s.run()
}

// Stop stops the scheduling loop.
func (s *SyncScheduler) Stop() {
	logger.Info("sync scheduler stopping")
	s.cancel()
}

func (s *SyncScheduler) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// first pass shortly after start, once the pool is up
	select {
	case <-time.After(5 * time.Second):
		s.tick()
	case <-s.ctx.Done():
		return
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick enqueues one sync job per syncable account, spread across the
// stagger window. Accounts with a running cycle are skipped, their
// in-flight cycle covers this tick.
func (s *SyncScheduler) tick() {
	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	accounts, err := s.accountRepo.ListSyncable(ctx)
	cancel()
	if err != nil {
		logger.Error("scheduler failed to list accounts: %v", err)
		return
	}
	if len(accounts) == 0 {
		return
	}

	step := s.window / time.Duration(len(accounts))
	submitted := 0
	skipped := 0

	for i, account := range accounts {
		if s.locks.Locked(account.ID) {
			skipped++
			continue
		}

		msg := NewSyncMessage(account.ID)
		if i > 0 && step > 0 {
			delay := step * time.Duration(i)
			time.AfterFunc(delay, func() {
				if s.ctx.Err() == nil {
					s.submit(msg)
				}
			})
		} else {
			s.submit(msg)
		}
		submitted++
	}

	logger.Info("scheduler tick: accounts=%d submitted=%d in_flight_skipped=%d window=%s",
		len(accounts), submitted, skipped, s.window)
}

// RetryScheduler resubmits accounts whose scheduled retry is due. The
// engine writes retry_scheduled with a next_retry_at; this loop turns
// those rows back into jobs without ever sleeping in a worker slot.
type RetryScheduler struct {
	stateRepo out.SyncStateRepository
	submit    func(*Message) bool

	checkInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRetryScheduler creates a retry scheduler.
func NewRetryScheduler(stateRepo out.SyncStateRepository, pool *Pool) *RetryScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &RetryScheduler{
		stateRepo:     stateRepo,
		submit:        pool.Submit,
		checkInterval: 30 * time.Second,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start starts the retry loop.
func (s *RetryScheduler) Start() {
	logger.Info("retry scheduler starting: interval=%s", s.checkInterval)
	go s.run()
}

// Stop stops the retry loop.
func (s *RetryScheduler) Stop() {
	logger.Info("retry scheduler stopping")
	s.cancel()
}

func (s *RetryScheduler) run() {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.processPending()
		}
	}
}

func (s *RetryScheduler) processPending() {
	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	states, err := s.stateRepo.GetPendingRetries(ctx, time.Now())
	if err != nil {
		logger.Error("failed to get pending retries: %v", err)
		return
	}
	if len(states) == 0 {
		return
	}

	logger.Info("resubmitting %d due retries", len(states))
	for _, state := range states {
		s.submit(NewSyncMessage(state.AccountID))
	}
}
