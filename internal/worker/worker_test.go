package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/alerts"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/profile"
	"github.com/opensource-finance/kestrel/internal/queue"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/risk"
)

type recordingPush struct {
	mu   sync.Mutex
	sent []domain.PushMessage
}

func (p *recordingPush) Send(_ context.Context, userID, title, body string, data map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, domain.PushMessage{UserID: userID, Title: title, Body: body, Data: data})
	return nil
}

type fakeSyncer struct {
	err   error
	calls atomic.Int32
}

func (s *fakeSyncer) SyncAccount(context.Context, *domain.Account) error {
	s.calls.Add(1)
	return s.err
}

type fixture struct {
	repo     domain.Repository
	queue    *queue.MemoryQueue
	push     *recordingPush
	handlers *Handlers
	proc     *Processor
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "worker.db"),
	})
	if err != nil {
		t.Fatalf("failed to open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	now := time.Now().UTC().Truncate(time.Second)
	detection := domain.DefaultDetectionConfig()
	profiles := profile.NewBuilder(repo, detection.Profile, profile.WithClock(func() time.Time { return now }))
	push := &recordingPush{}
	q := queue.NewMemoryQueue()

	deps := Deps{
		Transactions: repo,
		Accounts:     repo,
		Goals:        repo,
		AlertStore:   repo,
		Queue:        q,
		Profiles:     profiles,
		Risk:         risk.NewAggregator(profiles, repo, repo, detection.Risk, time.Second),
		Alerts:       alerts.NewDispatcher(repo, push, nil, domain.AlertsConfig{}),
		Push:         push,
		AlertsConfig: domain.AlertsConfig{RetentionDays: 90, NotifyTimeout: time.Second},
		QueueConfig:  domain.QueueConfig{CompletedRetention: 7 * 24 * time.Hour, DeadRetention: 24 * time.Hour},
	}

	h := NewHandlers(deps, domain.DefaultWorkerConfig())
	h.now = func() time.Time { return now }

	proc := NewProcessor(q, repo, domain.WorkerConfig{Concurrency: 2, PollInterval: 10 * time.Millisecond})
	h.RegisterAll(proc)

	return &fixture{repo: repo, queue: q, push: push, handlers: h, proc: proc, now: now}
}

func (f *fixture) seed(t *testing.T, txs ...*domain.Transaction) {
	t.Helper()
	for _, tx := range txs {
		if err := f.repo.SaveTransaction(context.Background(), tx); err != nil {
			t.Fatalf("seed transaction: %v", err)
		}
	}
}

func (f *fixture) alerts(t *testing.T, userID string) []*domain.Alert {
	t.Helper()
	list, err := f.repo.ListAlerts(context.Background(), userID, domain.AlertFilter{})
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	return list
}

func TestProcessorRetryThenDead(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue()
	proc := NewProcessor(q, nil, domain.WorkerConfig{})

	var calls atomic.Int32
	proc.Register(domain.JobAnalyzePatterns, func(context.Context, *domain.Job, domain.JobPayload) error {
		calls.Add(1)
		return fmt.Errorf("fetch history: %w", domain.ErrTransient)
	})

	if _, err := q.Enqueue(ctx, domain.JobAnalyzePatterns, domain.JobPayload{UserID: "u1"}, domain.EnqueueOptions{Attempts: 2}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := proc.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce failed: %v", err)
		}
	}

	if calls.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", calls.Load())
	}
	stats, _ := q.Stats(ctx)
	if stats.Failed != 1 || stats.Waiting != 0 {
		t.Errorf("expected the job to be dead after exhausting retries, got %+v", stats)
	}
}

func TestProcessorTerminalFailures(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		jobType domain.JobType
		handler Handler
	}{
		{
			name:    "Permanent",
			jobType: domain.JobTrainModel,
			handler: func(context.Context, *domain.Job, domain.JobPayload) error {
				return fmt.Errorf("%w: malformed payload", domain.ErrInvalidInput)
			},
		},
		{
			name:    "Panic",
			jobType: domain.JobTrainModel,
			handler: func(context.Context, *domain.Job, domain.JobPayload) error {
				panic("boom")
			},
		},
		{
			name:    "UnknownType",
			jobType: domain.JobType("mystery"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := queue.NewMemoryQueue()
			proc := NewProcessor(q, nil, domain.WorkerConfig{})
			if tt.handler != nil {
				proc.Register(tt.jobType, tt.handler)
			}

			if _, err := q.Enqueue(ctx, tt.jobType, domain.JobPayload{UserID: "u1"}, domain.EnqueueOptions{Attempts: 5}); err != nil {
				t.Fatalf("Enqueue failed: %v", err)
			}
			ran, err := proc.RunOnce(ctx)
			if err != nil || !ran {
				t.Fatalf("RunOnce: ran=%v err=%v", ran, err)
			}

			stats, _ := q.Stats(ctx)
			if stats.Failed != 1 {
				t.Errorf("expected job to go straight to dead, got %+v", stats)
			}
		})
	}
}

func TestProcessorPool(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue()
	proc := NewProcessor(q, nil, domain.WorkerConfig{Concurrency: 4, PollInterval: 5 * time.Millisecond})

	var done atomic.Int32
	proc.Register(domain.JobTrainModel, func(context.Context, *domain.Job, domain.JobPayload) error {
		done.Add(1)
		return nil
	})

	proc.Start(ctx)
	proc.Start(ctx)
	defer proc.Stop()

	const n = 20
	for i := 0; i < n; i++ {
		if _, err := q.Enqueue(ctx, domain.JobTrainModel, domain.JobPayload{UserID: fmt.Sprintf("u%d", i)}, domain.EnqueueOptions{}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for done.Load() < n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if done.Load() != n {
		t.Fatalf("expected %d jobs processed, got %d", n, done.Load())
	}

	proc.Stop()
	stats, _ := q.Stats(ctx)
	if stats.Completed != n {
		t.Errorf("expected %d completed jobs, got %+v", n, stats)
	}
}

func TestSyncAccount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.repo.SaveAccount(ctx, &domain.Account{ID: "acc-1", UserID: "user-001", Name: "Current", CreatedAt: f.now}); err != nil {
		t.Fatalf("SaveAccount failed: %v", err)
	}

	t.Run("Success", func(t *testing.T) {
		syncer := &fakeSyncer{}
		f.handlers.deps.Syncer = syncer

		if err := f.handlers.SyncAccount(ctx, &domain.Job{}, domain.JobPayload{AccountID: "acc-1"}); err != nil {
			t.Fatalf("SyncAccount failed: %v", err)
		}
		acc, _ := f.repo.GetAccount(ctx, "acc-1")
		if acc.LastSyncedAt == nil || !acc.LastSyncedAt.Equal(f.now) {
			t.Errorf("expected account marked synced at %v, got %v", f.now, acc.LastSyncedAt)
		}
	})

	t.Run("PermanentFailureAnnotatesAccount", func(t *testing.T) {
		f.handlers.deps.Syncer = &fakeSyncer{err: domain.Permanent(errors.New("consent revoked"))}

		if _, err := f.queue.Enqueue(ctx, domain.JobSyncAccount, domain.JobPayload{UserID: "user-001", AccountID: "acc-1"}, domain.EnqueueOptions{Attempts: 3}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		if _, err := f.proc.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce failed: %v", err)
		}

		acc, _ := f.repo.GetAccount(ctx, "acc-1")
		if acc.SyncError == "" {
			t.Error("expected a sync-error note on the account")
		}
		stats, _ := f.queue.Stats(ctx)
		if stats.Failed != 1 {
			t.Errorf("expected dead job, got %+v", stats)
		}
	})

	t.Run("NoAccount", func(t *testing.T) {
		err := f.handlers.SyncAccount(ctx, &domain.Job{}, domain.JobPayload{UserID: "user-001"})
		if domain.IsRetryable(err) || !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected permanent invalid input, got %v", err)
		}
	})
}

func TestMonitorGoals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	day := 24 * time.Hour
	goals := []*domain.Goal{
		// 80% of time elapsed, 30% saved.
		{ID: "goal-behind", UserID: "user-001", Name: "Holiday", TargetAmount: 1000, CurrentAmount: 300,
			StartDate: f.now.Add(-80 * day), TargetDate: f.now.Add(20 * day), Status: domain.GoalActive},
		{ID: "goal-on-track", UserID: "user-001", Name: "Car", TargetAmount: 1000, CurrentAmount: 500,
			StartDate: f.now.Add(-50 * day), TargetDate: f.now.Add(50 * day), Status: domain.GoalActive},
		{ID: "goal-expired", UserID: "user-001", Name: "Old", TargetAmount: 1000, CurrentAmount: 0,
			StartDate: f.now.Add(-100 * day), TargetDate: f.now.Add(-day), Status: domain.GoalActive},
	}
	for _, g := range goals {
		if err := f.repo.SaveGoal(ctx, g); err != nil {
			t.Fatalf("SaveGoal failed: %v", err)
		}
	}

	for i := 0; i < 2; i++ {
		if err := f.handlers.MonitorGoals(ctx, &domain.Job{}, domain.JobPayload{}); err != nil {
			t.Fatalf("MonitorGoals failed: %v", err)
		}
	}

	list := f.alerts(t, "user-001")
	if len(list) != 1 {
		t.Fatalf("expected exactly one goal alert across two sweeps, got %d", len(list))
	}
	a := list[0]
	if a.Type != domain.AlertGoalRisk || a.Severity != domain.SeverityHigh {
		t.Errorf("expected high goal_risk alert, got %s/%s", a.Type, a.Severity)
	}
	if a.Details["goalId"] != "goal-behind" {
		t.Errorf("expected goalId in details, got %v", a.Details)
	}
}

func TestGoalSeverity(t *testing.T) {
	h := NewHandlers(Deps{}, domain.DefaultWorkerConfig())
	tests := []struct {
		gap  float64
		want domain.Severity
		ok   bool
	}{
		{0.1, "", false},
		{0.25, domain.SeverityMedium, true},
		{0.4, domain.SeverityHigh, true},
		{0.5, domain.SeverityHigh, true},
		{0.7, domain.SeverityCritical, true},
	}
	for _, tt := range tests {
		got, ok := h.goalSeverity(tt.gap)
		if got != tt.want || ok != tt.ok {
			t.Errorf("goalSeverity(%v) = %q,%v; want %q,%v", tt.gap, got, ok, tt.want, tt.ok)
		}
	}
}

func TestDetectAccountAnomalies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	start := f.now.Add(-time.Hour)
	for i := 0; i < 5; i++ {
		f.seed(t, &domain.Transaction{
			ID:        fmt.Sprintf("tx-%d", i),
			UserID:    "user-001",
			AccountID: "acc-1",
			Amount:    -float64(100 * (i + 1)),
			Timestamp: start.Add(time.Duration(i) * 30 * time.Second),
		})
	}
	f.seed(t, &domain.Transaction{ID: "tx-other", UserID: "user-001", AccountID: "acc-2", Amount: -12.34, Timestamp: start})

	if err := f.handlers.DetectAccountAnomalies(ctx, &domain.Job{}, domain.JobPayload{UserID: "user-001"}); err != nil {
		t.Fatalf("DetectAccountAnomalies failed: %v", err)
	}

	patterns := make(map[string]*domain.Alert)
	for _, a := range f.alerts(t, "user-001") {
		patterns[a.Details["pattern"].(string)] = a
	}
	if len(patterns) != 2 {
		t.Fatalf("expected rapid-fire and round-number alerts, got %v", patterns)
	}
	if a := patterns[PatternRapidFire]; a == nil || a.Severity != domain.SeverityHigh || a.Details["accountId"] != "acc-1" {
		t.Errorf("unexpected rapid-fire alert: %+v", a)
	}
	if a := patterns[PatternRoundNumberFlood]; a == nil || a.Type != domain.AlertAccountSecurity {
		t.Errorf("unexpected round-number alert: %+v", a)
	}
	if len(f.push.sent) != 2 {
		t.Errorf("account security alerts always notify, got %d pushes", len(f.push.sent))
	}
	if got := patterns[PatternRapidFire].Details["count"]; got != float64(5) {
		t.Errorf("expected 5 rapid-fire transactions, got %v", got)
	}

	// A later sweep over the same activity resolves to the same alerts.
	f.handlers.now = func() time.Time { return f.now.Add(2 * time.Hour) }
	if err := f.handlers.DetectAccountAnomalies(ctx, &domain.Job{}, domain.JobPayload{UserID: "user-001"}); err != nil {
		t.Fatalf("DetectAccountAnomalies failed: %v", err)
	}
	if got := len(f.alerts(t, "user-001")); got != 2 {
		t.Errorf("expected repeated sweep to add no alerts, got %d", got)
	}
	if len(f.push.sent) != 2 {
		t.Errorf("expected no repeated pushes, got %d", len(f.push.sent))
	}
}

func TestAccountSweepQueuesStaleSyncs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	fresh := f.now.Add(-time.Hour)
	old := f.now.Add(-48 * time.Hour)
	for _, acc := range []*domain.Account{
		{ID: "acc-fresh", UserID: "user-001", Name: "Current", LastSyncedAt: &fresh, CreatedAt: f.now},
		{ID: "acc-old", UserID: "user-001", Name: "Savings", LastSyncedAt: &old, CreatedAt: f.now},
		{ID: "acc-never", UserID: "user-001", Name: "Card", CreatedAt: f.now},
		{ID: "acc-other", UserID: "user-002", Name: "Other", CreatedAt: f.now},
	} {
		if err := f.repo.SaveAccount(ctx, acc); err != nil {
			t.Fatalf("SaveAccount failed: %v", err)
		}
	}

	for i := 0; i < 2; i++ {
		if err := f.handlers.DetectAccountAnomalies(ctx, &domain.Job{}, domain.JobPayload{UserID: "user-001"}); err != nil {
			t.Fatalf("DetectAccountAnomalies failed: %v", err)
		}
	}

	stats, _ := f.queue.Stats(ctx)
	if stats.Waiting != 2 {
		t.Fatalf("expected 2 queued syncs after repeated sweeps, got %+v", stats)
	}

	queued := make(map[string]bool)
	for {
		job, err := f.queue.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		if job == nil {
			break
		}
		if job.Type != domain.JobSyncAccount {
			t.Errorf("unexpected job type %s", job.Type)
		}
		payload, err := job.DecodePayload()
		if err != nil {
			t.Fatalf("DecodePayload failed: %v", err)
		}
		if payload.UserID != "user-001" {
			t.Errorf("expected user-001, got %q", payload.UserID)
		}
		queued[payload.AccountID] = true
	}
	if !queued["acc-old"] || !queued["acc-never"] || len(queued) != 2 {
		t.Errorf("expected syncs for acc-old and acc-never, got %v", queued)
	}

	t.Run("ScopedToAccount", func(t *testing.T) {
		g := newFixture(t)
		for _, acc := range []*domain.Account{
			{ID: "acc-a", UserID: "user-001", Name: "A", CreatedAt: g.now},
			{ID: "acc-b", UserID: "user-001", Name: "B", CreatedAt: g.now},
		} {
			if err := g.repo.SaveAccount(ctx, acc); err != nil {
				t.Fatalf("SaveAccount failed: %v", err)
			}
		}
		if err := g.handlers.DetectAccountAnomalies(ctx, &domain.Job{}, domain.JobPayload{UserID: "user-001", AccountID: "acc-b"}); err != nil {
			t.Fatalf("DetectAccountAnomalies failed: %v", err)
		}
		stats, _ := g.queue.Stats(ctx)
		if stats.Waiting != 1 {
			t.Errorf("expected only acc-b to be queued, got %+v", stats)
		}
	})
}

func TestFindRapidFire(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	at := func(id string, offset time.Duration) *domain.Transaction {
		return &domain.Transaction{ID: id, Timestamp: base.Add(offset)}
	}

	tests := []struct {
		name string
		txs  []*domain.Transaction
		want RapidFire
	}{
		{"empty", nil, RapidFire{}},
		{"spread out", []*domain.Transaction{at("a", 0), at("b", 2*time.Minute)}, RapidFire{}},
		{
			"one burst",
			[]*domain.Transaction{at("a", 0), at("b", 30*time.Second), at("c", 60*time.Second)},
			RapidFire{Pairs: 2, Transactions: 3, LatestID: "c"},
		},
		{
			"two bursts",
			[]*domain.Transaction{
				at("a", 0), at("b", 30*time.Second), at("c", 60*time.Second),
				at("d", 5*time.Minute), at("e", 5*time.Minute+20*time.Second),
			},
			RapidFire{Pairs: 3, Transactions: 5, LatestID: "e"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FindRapidFire(tt.txs, time.Minute); got != tt.want {
				t.Errorf("FindRapidFire() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRoundAmountCount(t *testing.T) {
	txs := []*domain.Transaction{
		{Amount: 100}, {Amount: -500}, {Amount: 100.5}, {Amount: 0}, {Amount: 250}, {Amount: 1e6},
	}
	if got := RoundAmountCount(txs, 100); got != 3 {
		t.Errorf("expected 3 round amounts, got %d", got)
	}
	if got := RoundAmountCount(txs, 0); got != 0 {
		t.Errorf("expected 0 for a zero unit, got %d", got)
	}
}

func TestAnalyzePatterns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	busy := f.now.Add(-48 * time.Hour).Truncate(24 * time.Hour).Add(time.Hour)
	for i := 0; i < 25; i++ {
		f.seed(t, &domain.Transaction{
			ID:          fmt.Sprintf("tx-%d", i),
			UserID:      "user-001",
			Amount:      -10,
			Description: "COFFEE SHOP",
			Timestamp:   busy.Add(time.Duration(i) * time.Minute),
		})
	}

	job := &domain.Job{ID: "job-1"}
	for i := 0; i < 2; i++ {
		if err := f.handlers.AnalyzePatterns(ctx, job, domain.JobPayload{UserID: "user-001"}); err != nil {
			t.Fatalf("AnalyzePatterns failed: %v", err)
		}
	}

	list := f.alerts(t, "user-001")
	if len(list) != 1 {
		t.Fatalf("expected one deduplicated alert, got %d", len(list))
	}
	if list[0].Details["pattern"] != PatternHighDailyVolume || list[0].Severity != domain.SeverityMedium {
		t.Errorf("unexpected alert: %+v", list[0])
	}

	if err := f.handlers.AnalyzePatterns(ctx, job, domain.JobPayload{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected invalid input without a user, got %v", err)
	}
}

func TestAnalyzePatternsOnLaterDays(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	busy := f.now.Add(-96 * time.Hour).Truncate(24 * time.Hour).Add(time.Hour)
	for i := 0; i < 25; i++ {
		f.seed(t, &domain.Transaction{
			ID:          fmt.Sprintf("tx-%d", i),
			UserID:      "user-001",
			Amount:      -10,
			Description: "COFFEE SHOP",
			Timestamp:   busy.Add(time.Duration(i) * time.Minute),
		})
	}
	for i := 0; i < 5; i++ {
		f.seed(t, &domain.Transaction{
			ID:          fmt.Sprintf("tx-large-%d", i),
			UserID:      "user-001",
			Amount:      -500,
			Description: "ELECTRONICS STORE",
			Timestamp:   busy.Add(time.Duration(30+i) * time.Minute),
		})
	}

	job := &domain.Job{ID: "job-1"}
	for day := 0; day < 3; day++ {
		runAt := busy.Add(time.Hour + time.Duration(day)*24*time.Hour)
		f.handlers.now = func() time.Time { return runAt }
		if err := f.handlers.AnalyzePatterns(ctx, job, domain.JobPayload{UserID: "user-001"}); err != nil {
			t.Fatalf("AnalyzePatterns on day %d failed: %v", day, err)
		}
	}

	list := f.alerts(t, "user-001")
	patterns := make(map[string]int)
	for _, a := range list {
		patterns[a.Details["pattern"].(string)]++
	}
	if patterns[PatternHighDailyVolume] != 1 || patterns[PatternLargeTransactions] != 1 || len(list) != 2 {
		t.Fatalf("expected one alert per pattern across days, got %v", patterns)
	}
	if len(f.push.sent) != 2 {
		t.Errorf("expected one push per alert, got %d", len(f.push.sent))
	}
}

func TestTrainModel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for i := 0; i < 10; i++ {
		f.seed(t, &domain.Transaction{ID: fmt.Sprintf("tx-%d", i), UserID: "user-001", Amount: -20, Timestamp: f.now.Add(-time.Duration(i+1) * time.Hour)})
	}
	if err := f.handlers.TrainModel(ctx, &domain.Job{}, domain.JobPayload{UserID: "user-001"}); err != nil {
		t.Errorf("sparse history should be a no-op, got %v", err)
	}

	for i := 10; i < 60; i++ {
		f.seed(t, &domain.Transaction{ID: fmt.Sprintf("tx-%d", i), UserID: "user-001", Amount: -20, Timestamp: f.now.Add(-time.Duration(i+1) * time.Hour)})
	}
	if err := f.handlers.TrainModel(ctx, &domain.Job{}, domain.JobPayload{UserID: "user-001"}); err != nil {
		t.Errorf("TrainModel failed: %v", err)
	}
}

func TestWeeklyDigest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.handlers.deps.Alerts.CreateAlert(ctx, alerts.Input{UserID: "user-001", Type: domain.AlertUnusualSpending, Severity: domain.SeverityLow}); err != nil {
		t.Fatalf("CreateAlert failed: %v", err)
	}

	if err := f.handlers.WeeklyDigest(ctx, &domain.Job{}, domain.JobPayload{UserID: "user-001"}); err != nil {
		t.Fatalf("WeeklyDigest failed: %v", err)
	}
	if len(f.push.sent) != 1 {
		t.Fatalf("expected one digest push, got %d", len(f.push.sent))
	}
	msg := f.push.sent[0]
	if msg.Data["type"] != "weekly_digest" || msg.Data["openAlerts"] != 1 {
		t.Errorf("unexpected digest: %+v", msg)
	}
}

func TestRetentionCleanup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	old := &domain.Alert{ID: "old", UserID: "user-001", Type: domain.AlertGoalRisk, Severity: domain.SeverityLow, CreatedAt: f.now.AddDate(0, 0, -120)}
	fresh := &domain.Alert{ID: "fresh", UserID: "user-001", Type: domain.AlertGoalRisk, Severity: domain.SeverityLow, CreatedAt: f.now.AddDate(0, 0, -10)}
	for _, a := range []*domain.Alert{old, fresh} {
		if _, _, err := f.repo.InsertAlert(ctx, a); err != nil {
			t.Fatalf("InsertAlert failed: %v", err)
		}
	}

	if _, err := f.queue.Enqueue(ctx, domain.JobTrainModel, nil, domain.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	job, _ := f.queue.Dequeue(ctx)
	if err := f.queue.Complete(ctx, job.ID); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	// Run well past the completed-job retention.
	later := f.now.Add(8 * 24 * time.Hour)
	f.handlers.now = func() time.Time { return later }

	if err := f.handlers.RetentionCleanup(ctx, &domain.Job{}, domain.JobPayload{}); err != nil {
		t.Fatalf("RetentionCleanup failed: %v", err)
	}

	list := f.alerts(t, "user-001")
	if len(list) != 1 || list[0].ID != "fresh" {
		t.Errorf("expected only the fresh alert to survive, got %v", list)
	}
	stats, _ := f.queue.Stats(ctx)
	if stats.Completed != 0 {
		t.Errorf("expected completed jobs purged, got %+v", stats)
	}
}
