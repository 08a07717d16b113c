package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const jobColumns = `id, type, payload, priority, max_attempts, backoff_ms, state, attempts, job_key, last_error, enqueued_at, run_at, finished_at`

// maxClaimAttempts bounds how often Dequeue retries after losing a claim race.
const maxClaimAttempts = 5

// Enqueue inserts a queued job. A live job with the same key wins.
func (r *SQLRepository) Enqueue(ctx context.Context, jobType domain.JobType, payload any, opts domain.EnqueueOptions) (*domain.Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: job payload: %v", domain.ErrInvalidInput, err)
	}

	now := r.now().UTC()
	job := &domain.Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Payload:     raw,
		Priority:    opts.Priority,
		MaxAttempts: opts.Attempts,
		BackoffBase: opts.Backoff,
		State:       domain.JobQueued,
		EnqueuedAt:  now,
		RunAt:       now.Add(opts.Delay),
		Key:         opts.Key,
	}
	if job.Priority == 0 {
		job.Priority = domain.PriorityNormal
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 1
	}

	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, '', ?, ?, NULL)
		ON CONFLICT DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, r.rebind(query),
		job.ID, string(job.Type), string(raw),
		job.Priority, job.MaxAttempts, job.BackoffBase.Milliseconds(),
		string(job.State), job.Key,
		encodeTime(job.EnqueuedAt), encodeTime(job.RunAt),
	)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", jobType, err)
	}

	n, err := rowsAffected(res)
	if err != nil {
		return nil, err
	}
	if n == 1 {
		return job, nil
	}

	query = `SELECT ` + jobColumns + ` FROM jobs WHERE job_key = ? AND state IN ('queued', 'active')`
	existing, err := scanJob(r.db.QueryRowContext(ctx, r.rebind(query), opts.Key))
	if err != nil {
		return nil, fmt.Errorf("load live job for key %q: %w", opts.Key, err)
	}
	return existing, nil
}

// Dequeue claims the highest-priority runnable job.
func (r *SQLRepository) Dequeue(ctx context.Context) (*domain.Job, error) {
	selectQuery := r.rebind(`
		SELECT id FROM jobs
		WHERE state = 'queued' AND run_at <= ?
		ORDER BY priority ASC, run_at ASC, enqueued_at ASC
		LIMIT 1
	`)
	claimQuery := r.rebind(`
		UPDATE jobs SET state = 'active', attempts = attempts + 1
		WHERE id = ? AND state = 'queued'
	`)

	for i := 0; i < maxClaimAttempts; i++ {
		var id string
		err := r.db.QueryRowContext(ctx, selectQuery, encodeTime(r.now())).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select runnable job: %w", err)
		}

		res, err := r.db.ExecContext(ctx, claimQuery, id)
		if err != nil {
			return nil, fmt.Errorf("claim job %s: %w", id, err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			// Another worker claimed it first.
			continue
		}

		return r.getJob(ctx, id)
	}
	return nil, nil
}

// Complete marks an active job as completed.
func (r *SQLRepository) Complete(ctx context.Context, jobID string) error {
	return r.finishJob(ctx, jobID, domain.JobCompleted, "")
}

// Dead marks an active job as terminally failed.
func (r *SQLRepository) Dead(ctx context.Context, jobID string, lastErr string) error {
	return r.finishJob(ctx, jobID, domain.JobDead, lastErr)
}

// Retry returns an active job to the queue, runnable after delay.
func (r *SQLRepository) Retry(ctx context.Context, jobID string, delay time.Duration, lastErr string) error {
	query := `
		UPDATE jobs SET state = 'queued', run_at = ?, last_error = ?
		WHERE id = ? AND state = 'active'
	`
	res, err := r.db.ExecContext(ctx, r.rebind(query), encodeTime(r.now().Add(delay)), lastErr, jobID)
	if err != nil {
		return err
	}
	if n, err := rowsAffected(res); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("active job %s: %w", jobID, domain.ErrNotFound)
	}
	return nil
}

// Stats counts jobs per state. Dead jobs count as failed.
func (r *SQLRepository) Stats(ctx context.Context) (domain.QueueStats, error) {
	var stats domain.QueueStats

	rows, err := r.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return stats, err
		}
		switch domain.JobState(state) {
		case domain.JobQueued:
			stats.Waiting += n
		case domain.JobActive:
			stats.Active += n
		case domain.JobCompleted:
			stats.Completed += n
		case domain.JobDead:
			stats.Failed += n
		}
	}
	return stats, rows.Err()
}

// Purge deletes finished jobs in the given state older than the cutoff.
func (r *SQLRepository) Purge(ctx context.Context, state domain.JobState, before time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		r.rebind(`DELETE FROM jobs WHERE state = ? AND finished_at IS NOT NULL AND finished_at < ?`),
		string(state), encodeTime(before),
	)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}

func (r *SQLRepository) finishJob(ctx context.Context, jobID string, state domain.JobState, lastErr string) error {
	query := `
		UPDATE jobs SET state = ?, finished_at = ?, last_error = ?
		WHERE id = ? AND state = 'active'
	`
	res, err := r.db.ExecContext(ctx, r.rebind(query), string(state), encodeTime(r.now()), lastErr, jobID)
	if err != nil {
		return err
	}
	if n, err := rowsAffected(res); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("active job %s: %w", jobID, domain.ErrNotFound)
	}
	return nil
}

func (r *SQLRepository) getJob(ctx context.Context, id string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`
	job, err := scanJob(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return job, err
}

func scanJob(s scanner) (*domain.Job, error) {
	var j domain.Job
	var typ, payload, state, enqueued, runAt string
	var backoffMs int64
	var finished sql.NullString

	if err := s.Scan(
		&j.ID, &typ, &payload, &j.Priority, &j.MaxAttempts, &backoffMs,
		&state, &j.Attempts, &j.Key, &j.LastError,
		&enqueued, &runAt, &finished,
	); err != nil {
		return nil, err
	}

	j.Type = domain.JobType(typ)
	j.State = domain.JobState(state)
	j.BackoffBase = time.Duration(backoffMs) * time.Millisecond
	if payload != "" {
		j.Payload = json.RawMessage(payload)
	}

	var err error
	if j.EnqueuedAt, err = decodeTime(enqueued); err != nil {
		return nil, err
	}
	if j.RunAt, err = decodeTime(runAt); err != nil {
		return nil, err
	}
	if j.FinishedAt, err = decodeNullTime(finished); err != nil {
		return nil, err
	}
	return &j, nil
}
