// Package scheduler enqueues periodic background jobs on cron cadences.
// Cadences only enqueue; the worker pool executes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Cadence names, used in logs and metrics.
const (
	CadenceGoalSweep      = "goal-sweep"
	CadenceRecentAnalysis = "recent-analysis"
	CadenceProfileRefresh = "profile-refresh"
	CadenceAccountSweep   = "account-sweep"
	CadenceWeeklyDigest   = "weekly-digest"
	CadenceRetention      = "retention"
)

const (
	sweepTimeout       = time.Minute
	accountSweepWindow = 24 * time.Hour
	digestWindow       = 7 * 24 * time.Hour
)

// allUsers is the key subject for jobs that sweep every user.
const allUsers = "all"

type cadence struct {
	name  string
	sched string
	sweep func(ctx context.Context, now time.Time) (int, error)
}

// Scheduler owns the cron runner and the sweep definitions.
type Scheduler struct {
	queue domain.JobQueue
	txns  domain.TransactionStore
	cfg   domain.SchedulerConfig

	cron      *cron.Cron
	cadences  []cadence
	now       func() time.Time
	staggerFn func(max time.Duration) time.Duration
}

// New creates a scheduler. It does not start the cron runner.
func New(q domain.JobQueue, txns domain.TransactionStore, cfg domain.SchedulerConfig) (*Scheduler, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		var err error
		if loc, err = time.LoadLocation(cfg.Timezone); err != nil {
			return nil, fmt.Errorf("%w: scheduler timezone %q: %v", domain.ErrInvalidInput, cfg.Timezone, err)
		}
	}

	s := &Scheduler{
		queue:     q,
		txns:      txns,
		cfg:       cfg,
		cron:      cron.New(cron.WithLocation(loc), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		now:       time.Now,
		staggerFn: randomStagger,
	}
	s.cadences = []cadence{
		{CadenceGoalSweep, cfg.GoalSweep, s.sweepGoals},
		{CadenceRecentAnalysis, cfg.RecentAnalysis, s.sweepRecent},
		{CadenceProfileRefresh, cfg.ProfileRefresh, s.sweepProfiles},
		{CadenceAccountSweep, cfg.AccountSweep, s.sweepAccounts},
		{CadenceWeeklyDigest, cfg.WeeklyDigest, s.sweepDigests},
		{CadenceRetention, cfg.Retention, s.sweepRetention},
	}

	for _, c := range s.cadences {
		if c.sched == "" {
			continue
		}
		if _, err := s.cron.AddFunc(c.sched, s.wrap(c)); err != nil {
			return nil, fmt.Errorf("%w: cadence %s schedule %q: %v", domain.ErrInvalidInput, c.name, c.sched, err)
		}
	}
	return s, nil
}

// Start runs the cron loop in its own goroutine. Disabled schedulers do nothing.
func (s *Scheduler) Start() {
	if !s.cfg.Enabled {
		slog.Info("scheduler disabled")
		return
	}
	s.cron.Start()
	slog.Info("scheduler started", "cadences", len(s.cron.Entries()))
}

// Stop halts the cron loop and waits for running sweeps, up to ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		slog.Warn("scheduler stop timed out waiting for running sweeps")
	}
}

// wrap isolates a cadence: panics and errors are logged and counted, never
// propagated to the cron runner or other cadences.
func (s *Scheduler) wrap(c cadence) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		_, _ = s.run(ctx, c)
	}
}

func (s *Scheduler) run(ctx context.Context, c cadence) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cadence %s panicked: %v", c.name, r)
		}
		result := "ok"
		if err != nil {
			result = "error"
			slog.ErrorContext(ctx, "scheduled sweep failed", "cadence", c.name, "enqueued", n, "error", err)
		} else {
			slog.InfoContext(ctx, "scheduled sweep finished", "cadence", c.name, "enqueued", n)
		}
		metrics.SchedulerRunsTotal.WithLabelValues(c.name, result).Inc()
	}()
	return c.sweep(ctx, s.now().UTC())
}

// TriggerImmediate bypasses the cadences. With a userID it enqueues every
// per-user job for that user at high priority; with an empty userID it runs
// every sweep now. It returns the number of jobs enqueued.
func (s *Scheduler) TriggerImmediate(ctx context.Context, userID string) (int, error) {
	now := s.now().UTC()

	if userID == "" {
		total := 0
		var firstErr error
		for _, c := range s.cadences {
			n, err := s.run(ctx, c)
			total += n
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return total, firstErr
	}

	bucket := "manual-" + Bucket(now, time.Minute)
	payload := domain.JobPayload{UserID: userID}
	jobTypes := []domain.JobType{
		domain.JobAnalyzePatterns,
		domain.JobTrainModel,
		domain.JobMonitorGoals,
		domain.JobDetectAccountAnomalies,
	}
	for i, jt := range jobTypes {
		_, err := s.queue.Enqueue(ctx, jt, payload, domain.EnqueueOptions{
			Priority: domain.PriorityHigh,
			Key:      Key(userID, jt, bucket),
		})
		if err != nil {
			return i, fmt.Errorf("trigger %s for %s: %w", jt, userID, err)
		}
	}
	slog.InfoContext(ctx, "immediate analysis triggered", "user_id", userID, "jobs", len(jobTypes))
	return len(jobTypes), nil
}

// Key is the deterministic job key userID:jobType:bucket.
func Key(userID string, jobType domain.JobType, bucket string) string {
	return userID + ":" + string(jobType) + ":" + bucket
}

// Bucket truncates t to a window and formats it as a compact UTC timestamp.
func Bucket(t time.Time, window time.Duration) string {
	return t.UTC().Truncate(window).Format("20060102T1504")
}

func (s *Scheduler) sweepGoals(ctx context.Context, now time.Time) (int, error) {
	_, err := s.queue.Enqueue(ctx, domain.JobMonitorGoals, domain.JobPayload{}, domain.EnqueueOptions{
		Key: Key(allUsers, domain.JobMonitorGoals, Bucket(now, 4*time.Hour)),
	})
	if err != nil {
		return 0, err
	}
	return 1, nil
}

func (s *Scheduler) sweepRecent(ctx context.Context, now time.Time) (int, error) {
	return s.perUser(ctx, now.Add(-s.cfg.RecentWindow), domain.JobAnalyzePatterns, Bucket(now, 2*time.Hour), 0)
}

func (s *Scheduler) sweepProfiles(ctx context.Context, now time.Time) (int, error) {
	return s.perUser(ctx, now.Add(-s.cfg.ActiveWindow), domain.JobTrainModel, Bucket(now, 24*time.Hour), s.cfg.MaxStagger)
}

func (s *Scheduler) sweepAccounts(ctx context.Context, now time.Time) (int, error) {
	return s.perUser(ctx, now.Add(-accountSweepWindow), domain.JobDetectAccountAnomalies, Bucket(now, 30*time.Minute), 0)
}

func (s *Scheduler) sweepDigests(ctx context.Context, now time.Time) (int, error) {
	year, week := now.ISOWeek()
	return s.perUser(ctx, now.Add(-digestWindow), domain.JobWeeklyDigest, fmt.Sprintf("%d-W%02d", year, week), 0)
}

func (s *Scheduler) sweepRetention(ctx context.Context, now time.Time) (int, error) {
	_, err := s.queue.Enqueue(ctx, domain.JobRetentionCleanup, domain.JobPayload{}, domain.EnqueueOptions{
		Priority: domain.PriorityLow,
		Key:      Key(allUsers, domain.JobRetentionCleanup, now.Format("2006-01")),
	})
	if err != nil {
		return 0, err
	}
	return 1, nil
}

// perUser enqueues one job per user with transactions created since the
// cutoff. A positive stagger delays each job by a random amount up to it.
// One user's enqueue failure does not stop the rest.
func (s *Scheduler) perUser(ctx context.Context, since time.Time, jobType domain.JobType, bucket string, stagger time.Duration) (int, error) {
	users, err := s.txns.UsersWithTransactionsSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("list active users: %w", err)
	}

	n := 0
	var errs []error
	for _, userID := range users {
		opts := domain.EnqueueOptions{Key: Key(userID, jobType, bucket)}
		if stagger > 0 {
			opts.Delay = s.staggerFn(stagger)
		}
		if _, err := s.queue.Enqueue(ctx, jobType, domain.JobPayload{UserID: userID}, opts); err != nil {
			errs = append(errs, fmt.Errorf("enqueue %s for %s: %w", jobType, userID, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

func randomStagger(max time.Duration) time.Duration {
	return time.Duration(rand.Int64N(int64(max)))
}
