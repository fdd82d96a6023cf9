package worker

import (
	"sync"
	"time"
)

// AccountLocks serializes sync cycles per account: at most one worker
// runs a cycle for a given account at a time. A job that finds the lock
// held simply skips, the in-flight cycle covers it.
type AccountLocks struct {
	mu    sync.Mutex
	held  map[string]time.Time
	stale time.Duration
}

// NewAccountLocks creates a lock registry. staleAfter guards against a
// lock leaked by a crashed worker goroutine; zero disables reclaiming.
func NewAccountLocks(staleAfter time.Duration) *AccountLocks {
	return &AccountLocks{
		held:  make(map[string]time.Time),
		stale: staleAfter,
	}
}

// TryAcquire takes the lock for an account. Returns false when a cycle
// is already running for it.
func (l *AccountLocks) TryAcquire(accountID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if acquiredAt, ok := l.held[accountID]; ok {
		if l.stale <= 0 || time.Since(acquiredAt) < l.stale {
			return false
		}
		// reclaim a stale lock
	}
	l.held[accountID] = time.Now()
	return true
}

// Release frees the lock for an account.
func (l *AccountLocks) Release(accountID string) {
	l.mu.Lock()
	delete(l.held, accountID)
	l.mu.Unlock()
}

// Locked reports whether a cycle currently holds the account.
func (l *AccountLocks) Locked(accountID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	acquiredAt, ok := l.held[accountID]
	if !ok {
		return false
	}
	return l.stale <= 0 || time.Since(acquiredAt) < l.stale
}

// Size returns the number of accounts with a running cycle.
func (l *AccountLocks) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
