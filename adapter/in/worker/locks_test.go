package worker

import (
	"sync"
	"testing"
	"time"
)

func TestAccountLocksExclusive(t *testing.T) {
	locks := NewAccountLocks(0)

	if !locks.TryAcquire("acc-1") {
		t.Fatal("first acquire should succeed")
	}
	if locks.TryAcquire("acc-1") {
		t.Error("second acquire for the same account must fail")
	}
	if !locks.TryAcquire("acc-2") {
		t.Error("different account must not be blocked")
	}

	locks.Release("acc-1")
	if !locks.TryAcquire("acc-1") {
		t.Error("acquire after release should succeed")
	}
}

func TestAccountLocksStaleReclaim(t *testing.T) {
	locks := NewAccountLocks(10 * time.Millisecond)

	if !locks.TryAcquire("acc-1") {
		t.Fatal("first acquire should succeed")
	}
	if locks.TryAcquire("acc-1") {
		t.Fatal("fresh lock must not be reclaimed")
	}

	time.Sleep(20 * time.Millisecond)
	if !locks.TryAcquire("acc-1") {
		t.Error("stale lock should be reclaimable")
	}
}

func TestAccountLocksConcurrent(t *testing.T) {
	locks := NewAccountLocks(0)

	const goroutines = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if locks.TryAcquire("acc-1") {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if acquired != 1 {
		t.Errorf("acquired = %d, want exactly 1", acquired)
	}
	if locks.Size() != 1 {
		t.Errorf("size = %d, want 1", locks.Size())
	}
}
