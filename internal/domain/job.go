package domain

import (
	"context"
	"encoding/json"
	"time"
)

// JobType names a unit of background work.
type JobType string

const (
	JobAnalyzePatterns        JobType = "analyze-patterns"
	JobTrainModel             JobType = "train-model"
	JobMonitorGoals           JobType = "monitor-goals"
	JobDetectAccountAnomalies JobType = "detect-account-anomalies"
	JobSyncAccount            JobType = "sync-account"
	JobWeeklyDigest           JobType = "weekly-digest"
	JobRetentionCleanup       JobType = "retention-cleanup"
)

// JobState is the lifecycle state of a queued job.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobDead      JobState = "dead"
)

// Job priorities. Lower values run first.
const (
	PriorityHigh   = 1
	PriorityNormal = 5
	PriorityLow    = 10
)

// Job is a queued unit of background work with its retry policy.
type Job struct {
	ID          string          `json:"id"`
	Type        JobType         `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    int             `json:"priority"`
	MaxAttempts int             `json:"maxAttempts"`
	BackoffBase time.Duration   `json:"backoffBase"`
	State       JobState        `json:"state"`
	Attempts    int             `json:"attempts"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
	RunAt       time.Time       `json:"runAt"`
	FinishedAt  *time.Time      `json:"finishedAt,omitempty"`
	LastError   string          `json:"lastError,omitempty"`

	// Key deduplicates enqueues: a second live job with the same key is not
	// created. Handlers also derive alert dedup keys from it.
	Key string `json:"key,omitempty"`
}

// JobPayload is the payload shape shared by the built-in job types.
// Sweep jobs leave UserID empty.
type JobPayload struct {
	UserID    string `json:"userId,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	GoalID    string `json:"goalId,omitempty"`
}

// DecodePayload unmarshals the job payload. An empty payload decodes to the zero value.
func (j *Job) DecodePayload() (JobPayload, error) {
	var p JobPayload
	if len(j.Payload) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return p, Permanent(err)
	}
	return p, nil
}

// EnqueueOptions controls scheduling and retry for one enqueue.
// Zero values fall back to queue defaults.
type EnqueueOptions struct {
	Priority int
	Delay    time.Duration
	Attempts int
	Backoff  time.Duration
	Key      string
}

// QueueStats summarizes queue occupancy. Dead jobs are counted as Failed
// and delayed jobs as Waiting.
type QueueStats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Total returns the number of jobs the queue currently knows about.
func (s QueueStats) Total() int {
	return s.Waiting + s.Active + s.Completed + s.Failed
}

// JobQueue is a priority ordered, at-least-once job queue.
type JobQueue interface {
	// Enqueue adds a job. When opts.Key matches a job that is still queued
	// or active, the existing job is returned instead.
	Enqueue(ctx context.Context, jobType JobType, payload any, opts EnqueueOptions) (*Job, error)

	// Dequeue claims the next runnable job, moving it to active.
	// Returns nil, nil when nothing is runnable.
	Dequeue(ctx context.Context) (*Job, error)

	Complete(ctx context.Context, jobID string) error

	// Retry moves an active job back to queued, runnable after delay.
	Retry(ctx context.Context, jobID string, delay time.Duration, lastErr string) error

	// Dead moves an active job to the terminal failed state.
	Dead(ctx context.Context, jobID string, lastErr string) error

	Stats(ctx context.Context) (QueueStats, error)

	// Purge removes jobs in state that finished before the cutoff.
	Purge(ctx context.Context, state JobState, before time.Time) (int, error)
}
