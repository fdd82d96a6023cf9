package bootstrap

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"

	"unibox_worker/adapter/in/worker"
	"unibox_worker/config"
	"unibox_worker/pkg/logger"
)

// Worker runs the sync fleet: the pool, the interval scheduler, and
// the retry scheduler.
type Worker struct {
	pool           *worker.Pool
	syncScheduler  *worker.SyncScheduler
	retryScheduler *worker.RetryScheduler
	deps           *Dependencies
	ctx            context.Context
	cancel         context.CancelFunc
	zlog           zerolog.Logger
}

func NewWorker(cfg *config.Config) (*Worker, func(), error) {
	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		return nil, nil, err
	}
	return NewWorkerWithDeps(cfg, deps, cleanup)
}

// NewWorkerWithDeps builds the worker on an existing dependency graph,
// so "all" mode shares one graph between api and worker.
func NewWorkerWithDeps(cfg *config.Config, deps *Dependencies, cleanup func()) (*Worker, func(), error) {
	zlog := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		With().Timestamp().Str("component", "worker").Logger()

	// A lock turns stale somewhat past the sync job timeout, so a
	// crashed worker slot cannot freeze an account forever.
	locks := worker.NewAccountLocks(5 * time.Minute)

	handler := worker.NewHandler(deps.SyncEngine, deps.ReplyService, locks)

	defaultConfig := worker.DefaultPoolConfig()
	poolConfig := &worker.PoolConfig{
		MaxWorkers:       cfg.WorkerMax,
		QueueSize:        cfg.WorkerQueueSize,
		JobTimeout:       defaultConfig.JobTimeout,
		JobTimeoutByType: defaultConfig.JobTimeoutByType,
		BatchSize:        defaultConfig.BatchSize,
		WorkerChanSize:   defaultConfig.WorkerChanSize,
		IngestRate:       defaultConfig.IngestRate,
	}
	if poolConfig.MaxWorkers == 0 {
		poolConfig.MaxWorkers = defaultConfig.MaxWorkers
	}
	if poolConfig.QueueSize == 0 {
		poolConfig.QueueSize = defaultConfig.QueueSize
	}

	pool := worker.NewPool(handler, poolConfig, zlog)

	// Manual triggers and post-reply syncs flow from the services into
	// this pool.
	deps.Queue.Attach(pool)

	ctx, cancel := context.WithCancel(context.Background())

	w := &Worker{
		pool:   pool,
		deps:   deps,
		ctx:    ctx,
		cancel: cancel,
		zlog:   zlog,
	}

	if cfg.SchedulerEnabled {
		w.syncScheduler = worker.NewSyncScheduler(deps.AccountRepo, locks, pool, cfg.SyncInterval)
		w.retryScheduler = worker.NewRetryScheduler(deps.SyncStateRepo, pool)
	} else {
		logger.Warn("scheduler disabled, accounts sync only on manual triggers")
	}

	return w, cleanup, nil
}

func (w *Worker) Start() {
	w.pool.Start()

	if w.syncScheduler != nil {
		w.syncScheduler.Start()
	}
	if w.retryScheduler != nil {
		w.retryScheduler.Start()
	}

	logger.Info("worker started")
	<-w.ctx.Done()
}

func (w *Worker) Stop() {
	w.cancel()

	if w.syncScheduler != nil {
		w.syncScheduler.Stop()
	}
	if w.retryScheduler != nil {
		w.retryScheduler.Stop()
	}

	w.pool.Stop()
}

func (w *Worker) GetMetrics() worker.PoolMetrics {
	return w.pool.GetMetrics()
}

func (w *Worker) Dependencies() *Dependencies {
	return w.deps
}
