package out

import (
	"context"

	"unibox_worker/core/domain"
)

// JobQueue hands sync jobs to the worker fleet. High-priority jobs
// (manual triggers) are dispatched ahead of scheduled ones.
type JobQueue interface {
	Enqueue(ctx context.Context, job *domain.SyncJob) error
}
