// Package worker runs queued background jobs on a goroutine pool.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/queue"
)

var tracer = otel.Tracer("kestrel-worker")

// ErrUnknownJobType is returned for jobs no handler is registered for.
var ErrUnknownJobType = errors.New("unknown job type")

// Handler executes one job. Returning an error that domain.IsRetryable
// accepts re-queues the job with backoff; any other error is terminal.
type Handler func(ctx context.Context, job *domain.Job, payload domain.JobPayload) error

// Processor polls the queue and dispatches jobs to their handlers.
type Processor struct {
	queue    domain.JobQueue
	accounts domain.AccountStore
	cfg      domain.WorkerConfig

	mu       sync.RWMutex
	handlers map[domain.JobType]Handler

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	running bool
}

// NewProcessor creates a processor. accounts may be nil; it is used to
// record sync errors on accounts named by terminally failed jobs.
func NewProcessor(q domain.JobQueue, accounts domain.AccountStore, cfg domain.WorkerConfig) *Processor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Processor{
		queue:    q,
		accounts: accounts,
		cfg:      cfg,
		handlers: make(map[domain.JobType]Handler),
	}
}

// Register sets the handler for a job type, replacing any previous one.
func (p *Processor) Register(jobType domain.JobType, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[jobType] = h
}

func (p *Processor) handler(jobType domain.JobType) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[jobType]
	return h, ok
}

// Start launches cfg.Concurrency pollers. It is a no-op when already running.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.running = true
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.poll(ctx, i)
	}

	slog.Info("job processor started", "concurrency", p.cfg.Concurrency)
}

// Stop cancels the pollers and waits for in-flight jobs to finish.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.cancel()
	p.running = false
	p.mu.Unlock()

	p.wg.Wait()
	slog.Info("job processor stopped")
}

func (p *Processor) poll(ctx context.Context, id int) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// Drain runnable jobs before sleeping.
		for {
			if ctx.Err() != nil {
				return
			}
			ran, err := p.RunOnce(ctx)
			if err != nil {
				slog.ErrorContext(ctx, "dequeue failed", "worker", id, "error", err)
				break
			}
			if !ran {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims and executes at most one job. It reports whether a job ran.
func (p *Processor) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	// Job bookkeeping outlives cancellation of the poll loop.
	p.execute(context.WithoutCancel(ctx), job)
	return true, nil
}

func (p *Processor) execute(ctx context.Context, job *domain.Job) {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "job "+string(job.Type),
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.type", string(job.Type)),
			attribute.Int("job.attempt", job.Attempts),
		),
	)
	defer span.End()

	err := p.run(ctx, job)
	metrics.JobDuration.WithLabelValues(string(job.Type)).Observe(time.Since(start).Seconds())

	if err == nil {
		if cerr := p.queue.Complete(ctx, job.ID); cerr != nil {
			slog.ErrorContext(ctx, "failed to complete job", "job_id", job.ID, "error", cerr)
		}
		metrics.JobsTotal.WithLabelValues(string(job.Type), "completed").Inc()
		slog.DebugContext(ctx, "job completed",
			"job_id", job.ID,
			"job_type", job.Type,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	p.fail(ctx, job, err)
}

// run invokes the handler, converting panics into permanent errors.
func (p *Processor) run(ctx context.Context, job *domain.Job) (err error) {
	h, ok := p.handler(job.Type)
	if !ok {
		return domain.Permanent(fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type))
	}

	payload, err := job.DecodePayload()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			err = domain.Permanent(fmt.Errorf("job handler panicked: %v", r))
		}
	}()
	return h(ctx, job, payload)
}

// fail re-queues a retryable failure with exponential backoff, or moves the
// job to dead and annotates the account it names.
func (p *Processor) fail(ctx context.Context, job *domain.Job, jobErr error) {
	if domain.IsRetryable(jobErr) && job.Attempts < job.MaxAttempts {
		delay := queue.Backoff(job.BackoffBase, job.Attempts)
		if err := p.queue.Retry(ctx, job.ID, delay, jobErr.Error()); err != nil {
			slog.ErrorContext(ctx, "failed to requeue job", "job_id", job.ID, "error", err)
		}
		metrics.JobsTotal.WithLabelValues(string(job.Type), "retried").Inc()
		slog.WarnContext(ctx, "job failed, retrying",
			"job_id", job.ID,
			"job_type", job.Type,
			"attempt", job.Attempts,
			"max_attempts", job.MaxAttempts,
			"delay", delay,
			"error", jobErr,
		)
		return
	}

	if err := p.queue.Dead(ctx, job.ID, jobErr.Error()); err != nil {
		slog.ErrorContext(ctx, "failed to mark job dead", "job_id", job.ID, "error", err)
	}
	metrics.JobsTotal.WithLabelValues(string(job.Type), "dead").Inc()
	slog.ErrorContext(ctx, "job failed permanently",
		"job_id", job.ID,
		"job_type", job.Type,
		"attempts", job.Attempts,
		"error", jobErr,
	)

	p.annotateAccount(ctx, job, jobErr)
}

func (p *Processor) annotateAccount(ctx context.Context, job *domain.Job, jobErr error) {
	if p.accounts == nil {
		return
	}
	payload, err := job.DecodePayload()
	if err != nil || payload.AccountID == "" {
		return
	}
	if err := p.accounts.UpdateAccountSyncError(ctx, payload.AccountID, jobErr.Error()); err != nil {
		slog.ErrorContext(ctx, "failed to record account sync error",
			"account_id", payload.AccountID,
			"error", err,
		)
	}
}
