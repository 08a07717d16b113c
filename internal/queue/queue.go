// Package queue provides the background job queue: backend selection,
// enqueue defaults, and retry backoff.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// maxBackoffShift caps the exponent so the delay cannot overflow.
const maxBackoffShift = 20

// Queue wraps a backend with the configured retry defaults and metrics.
type Queue struct {
	backend domain.JobQueue
	cfg     domain.QueueConfig
}

// New selects the backend named by cfg.Type. "sql" (default) uses the
// repository's jobs table, "memory" an in-process heap.
func New(cfg domain.QueueConfig, store domain.JobQueue) (*Queue, error) {
	switch cfg.Type {
	case "", "sql":
		if store == nil {
			return nil, fmt.Errorf("%w: sql queue requires a repository", domain.ErrInvalidInput)
		}
		return Wrap(store, cfg), nil
	case "memory":
		return Wrap(NewMemoryQueue(), cfg), nil
	default:
		return nil, fmt.Errorf("%w: unsupported queue type: %s", domain.ErrInvalidInput, cfg.Type)
	}
}

// Wrap applies cfg defaults around an existing backend.
func Wrap(backend domain.JobQueue, cfg domain.QueueConfig) *Queue {
	return &Queue{backend: backend, cfg: cfg}
}

// Enqueue adds a job, filling zero attempts and backoff from the defaults.
func (q *Queue) Enqueue(ctx context.Context, jobType domain.JobType, payload any, opts domain.EnqueueOptions) (*domain.Job, error) {
	if opts.Attempts <= 0 {
		opts.Attempts = q.cfg.DefaultAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = q.cfg.DefaultBackoff
	}
	if opts.Priority == 0 {
		opts.Priority = domain.PriorityNormal
	}

	job, err := q.backend.Enqueue(ctx, jobType, payload, opts)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	metrics.JobsEnqueuedTotal.WithLabelValues(string(jobType)).Inc()
	return job, nil
}

func (q *Queue) Dequeue(ctx context.Context) (*domain.Job, error) {
	return q.backend.Dequeue(ctx)
}

func (q *Queue) Complete(ctx context.Context, jobID string) error {
	return q.backend.Complete(ctx, jobID)
}

func (q *Queue) Retry(ctx context.Context, jobID string, delay time.Duration, lastErr string) error {
	return q.backend.Retry(ctx, jobID, delay, lastErr)
}

func (q *Queue) Dead(ctx context.Context, jobID string, lastErr string) error {
	return q.backend.Dead(ctx, jobID, lastErr)
}

// Stats returns queue occupancy and publishes it as the queue depth gauge.
func (q *Queue) Stats(ctx context.Context) (domain.QueueStats, error) {
	stats, err := q.backend.Stats(ctx)
	if err != nil {
		return stats, err
	}
	metrics.SetQueueDepth(stats.Waiting, stats.Active, stats.Completed, stats.Failed)
	return stats, nil
}

func (q *Queue) Purge(ctx context.Context, state domain.JobState, before time.Time) (int, error) {
	return q.backend.Purge(ctx, state, before)
}

// Backoff returns the retry delay after the given attempt: base * 2^(attempt-1).
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return base << shift
}
