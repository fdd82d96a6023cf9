package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"unibox_worker/core/domain"
)

func testPoolConfig() *PoolConfig {
	return &PoolConfig{
		MaxWorkers:     2,
		QueueSize:      20,
		JobTimeout:     time.Second,
		BatchSize:      1,
		WorkerChanSize: 2,
		IngestRate:     100,
	}
}

func TestPoolSubmitPriorityAfterStop(t *testing.T) {
	handler := NewHandler(nil, nil, NewAccountLocks(time.Minute))
	p := NewPool(handler, testPoolConfig(), zerolog.Nop())

	p.Start()
	p.Stop()

	// A manual trigger racing shutdown must be rejected, not panic.
	if p.SubmitPriority(NewSyncMessage("acc-1")) {
		t.Error("SubmitPriority after Stop should be rejected")
	}
	if p.Submit(NewSyncMessage("acc-1")) {
		t.Error("Submit after Stop should be rejected")
	}

	job := &domain.SyncJob{
		ID:        "job-1",
		Type:      domain.JobMailSync,
		AccountID: "acc-1",
		Priority:  domain.PriorityHigh,
		CreatedAt: time.Now(),
	}
	if err := p.Enqueue(context.Background(), job); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("Enqueue after Stop = %v, want ErrPoolStopped", err)
	}
}

func TestPoolSubmitBeforeStart(t *testing.T) {
	handler := NewHandler(nil, nil, NewAccountLocks(time.Minute))
	p := NewPool(handler, testPoolConfig(), zerolog.Nop())

	if p.SubmitPriority(NewSyncMessage("acc-1")) {
		t.Error("SubmitPriority before Start should be rejected")
	}
	if err := p.Enqueue(context.Background(), &domain.SyncJob{
		ID: "job-1", Type: domain.JobMailSync, AccountID: "acc-1", CreatedAt: time.Now(),
	}); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("Enqueue before Start = %v, want ErrPoolStopped", err)
	}
}

func TestPoolStopIsIdempotent(t *testing.T) {
	handler := NewHandler(nil, nil, NewAccountLocks(time.Minute))
	p := NewPool(handler, testPoolConfig(), zerolog.Nop())

	p.Start()
	p.Stop()
	p.Stop()
}
