package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// MemoryQueue is an in-process job queue. Jobs are lost on restart; use the
// SQL backend when durability matters.
type MemoryQueue struct {
	mu      sync.Mutex
	jobs    map[string]*entry
	live    map[string]string // key -> job id, queued or active only
	ready   readyHeap
	delayed delayedHeap
	seq     uint64
	now     func() time.Time
}

type entry struct {
	job   *domain.Job
	seq   uint64
	index int
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs: make(map[string]*entry),
		live: make(map[string]string),
		now:  time.Now,
	}
}

// Enqueue adds a job. A live job with the same key is returned instead.
func (q *MemoryQueue) Enqueue(_ context.Context, jobType domain.JobType, payload any, opts domain.EnqueueOptions) (*domain.Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: job payload: %v", domain.ErrInvalidInput, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if opts.Key != "" {
		if id, ok := q.live[opts.Key]; ok {
			return cloneJob(q.jobs[id].job), nil
		}
	}

	now := q.now().UTC()
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

	q.seq++
	e := &entry{job: job, seq: q.seq}
	q.jobs[job.ID] = e
	if job.Key != "" {
		q.live[job.Key] = job.ID
	}
	q.schedule(e)
	return cloneJob(job), nil
}

// Dequeue claims the highest-priority runnable job, or returns nil.
func (q *MemoryQueue) Dequeue(_ context.Context) (*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for q.delayed.Len() > 0 && !q.delayed[0].job.RunAt.After(now) {
		heap.Push(&q.ready, heap.Pop(&q.delayed))
	}
	if q.ready.Len() == 0 {
		return nil, nil
	}

	e := heap.Pop(&q.ready).(*entry)
	e.job.State = domain.JobActive
	e.job.Attempts++
	return cloneJob(e.job), nil
}

// Complete marks an active job as completed.
func (q *MemoryQueue) Complete(_ context.Context, jobID string) error {
	return q.finish(jobID, domain.JobCompleted, "")
}

// Dead marks an active job as terminally failed.
func (q *MemoryQueue) Dead(_ context.Context, jobID string, lastErr string) error {
	return q.finish(jobID, domain.JobDead, lastErr)
}

// Retry returns an active job to the queue, runnable after delay.
func (q *MemoryQueue) Retry(_ context.Context, jobID string, delay time.Duration, lastErr string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.active(jobID)
	if err != nil {
		return err
	}
	e.job.State = domain.JobQueued
	e.job.RunAt = q.now().UTC().Add(delay)
	e.job.LastError = lastErr
	q.schedule(e)
	return nil
}

// Stats counts jobs per state. Dead jobs count as failed.
func (q *MemoryQueue) Stats(_ context.Context) (domain.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var stats domain.QueueStats
	for _, e := range q.jobs {
		switch e.job.State {
		case domain.JobQueued:
			stats.Waiting++
		case domain.JobActive:
			stats.Active++
		case domain.JobCompleted:
			stats.Completed++
		case domain.JobDead:
			stats.Failed++
		}
	}
	return stats, nil
}

// Purge removes finished jobs in state that finished before the cutoff.
func (q *MemoryQueue) Purge(_ context.Context, state domain.JobState, before time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for id, e := range q.jobs {
		if e.job.State == state && e.job.FinishedAt != nil && e.job.FinishedAt.Before(before) {
			delete(q.jobs, id)
			n++
		}
	}
	return n, nil
}

func (q *MemoryQueue) finish(jobID string, state domain.JobState, lastErr string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.active(jobID)
	if err != nil {
		return err
	}
	at := q.now().UTC()
	e.job.State = state
	e.job.FinishedAt = &at
	e.job.LastError = lastErr
	if e.job.Key != "" && q.live[e.job.Key] == e.job.ID {
		delete(q.live, e.job.Key)
	}
	return nil
}

func (q *MemoryQueue) active(jobID string) (*entry, error) {
	e, ok := q.jobs[jobID]
	if !ok || e.job.State != domain.JobActive {
		return nil, fmt.Errorf("active job %s: %w", jobID, domain.ErrNotFound)
	}
	return e, nil
}

func (q *MemoryQueue) schedule(e *entry) {
	if e.job.RunAt.After(q.now()) {
		heap.Push(&q.delayed, e)
		return
	}
	heap.Push(&q.ready, e)
}

func cloneJob(j *domain.Job) *domain.Job {
	c := *j
	if j.FinishedAt != nil {
		at := *j.FinishedAt
		c.FinishedAt = &at
	}
	return &c
}

// readyHeap orders runnable jobs by priority, then run time, then enqueue order.
type readyHeap []*entry

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	a, b := h[i].job, h[j].job
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.RunAt.Equal(b.RunAt) {
		return a.RunAt.Before(b.RunAt)
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// delayedHeap orders waiting jobs by run time.
type delayedHeap []*entry

func (h delayedHeap) Len() int { return len(h) }

func (h delayedHeap) Less(i, j int) bool {
	if !h[i].job.RunAt.Equal(h[j].job.RunAt) {
		return h[i].job.RunAt.Before(h[j].job.RunAt)
	}
	return h[i].seq < h[j].seq
}

func (h delayedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *delayedHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
