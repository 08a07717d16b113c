package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/alerts"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/profile"
	"github.com/opensource-finance/kestrel/internal/risk"
	"github.com/opensource-finance/kestrel/internal/scheduler"
)

// Pattern names carried in account-security alert details.
const (
	PatternHighDailyVolume   = "high_daily_volume"
	PatternLargeTransactions = "large_transactions"
	PatternRapidFire         = "rapid_fire"
	PatternRoundNumberFlood  = "round_number_flood"
)

// Deps are the collaborators the built-in handlers call into.
type Deps struct {
	Transactions domain.TransactionStore
	Accounts     domain.AccountStore
	Goals        domain.GoalStore
	AlertStore   domain.AlertStore
	Queue        domain.JobQueue

	Profiles *profile.Builder
	Risk     *risk.Aggregator
	Alerts   *alerts.Dispatcher

	// Push delivers the weekly digest. Nil disables digests.
	Push domain.PushTransport

	// Syncer refreshes accounts from their provider. Nil makes sync-account a no-op.
	Syncer domain.AccountSyncer

	AlertsConfig domain.AlertsConfig
	QueueConfig  domain.QueueConfig
}

// Handlers implements the built-in job types.
type Handlers struct {
	deps Deps
	cfg  domain.WorkerConfig
	now  func() time.Time
}

// NewHandlers creates the built-in handlers.
func NewHandlers(deps Deps, cfg domain.WorkerConfig) *Handlers {
	return &Handlers{deps: deps, cfg: cfg, now: time.Now}
}

// RegisterAll registers every built-in job type on p.
func (h *Handlers) RegisterAll(p *Processor) {
	p.Register(domain.JobAnalyzePatterns, h.AnalyzePatterns)
	p.Register(domain.JobTrainModel, h.TrainModel)
	p.Register(domain.JobMonitorGoals, h.MonitorGoals)
	p.Register(domain.JobDetectAccountAnomalies, h.DetectAccountAnomalies)
	p.Register(domain.JobSyncAccount, h.SyncAccount)
	p.Register(domain.JobWeeklyDigest, h.WeeklyDigest)
	p.Register(domain.JobRetentionCleanup, h.RetentionCleanup)
}

func requireUser(payload domain.JobPayload) error {
	if payload.UserID == "" {
		return domain.Permanent(fmt.Errorf("%w: job payload has no user", domain.ErrInvalidInput))
	}
	return nil
}

// AnalyzePatterns refreshes the user's profile and looks for emerging volume
// patterns over the trailing window: days with too many transactions, or too
// many transactions far above the user's average.
func (h *Handlers) AnalyzePatterns(ctx context.Context, job *domain.Job, payload domain.JobPayload) error {
	if err := requireUser(payload); err != nil {
		return err
	}
	userID := payload.UserID
	now := h.now().UTC()

	p, err := h.deps.Profiles.Refresh(ctx, userID)
	if err != nil {
		return fmt.Errorf("refresh profile: %w", err)
	}

	from := now.AddDate(0, 0, -h.cfg.PatternWindowDays)
	txs, err := h.deps.Transactions.ListTransactions(ctx, userID, from, now.Add(time.Nanosecond))
	if err != nil {
		return fmt.Errorf("list transactions: %w", err)
	}

	var errs []error

	perDay := make(map[string]int)
	busiestDay, busiest := "", 0
	for _, tx := range txs {
		day := tx.Timestamp.UTC().Format("2006-01-02")
		perDay[day]++
		if perDay[day] > busiest {
			busiestDay, busiest = day, perDay[day]
		}
	}
	if h.cfg.DailyCountThreshold > 0 && busiest > h.cfg.DailyCountThreshold {
		severity := domain.SeverityMedium
		if busiest > 2*h.cfg.DailyCountThreshold {
			severity = domain.SeverityHigh
		}
		in := alerts.FromAccountAnomaly(userID, "", PatternHighDailyVolume, severity,
			fmt.Sprintf("%d transactions on %s, well above your usual activity", busiest, busiestDay),
			map[string]any{"day": busiestDay, "count": busiest, "threshold": h.cfg.DailyCountThreshold},
			busiestDay,
		)
		if _, err := h.deps.Alerts.CreateAlert(ctx, in); err != nil {
			errs = append(errs, err)
		}
	}

	limit := h.cfg.LargeTxnMultiplier * p.AverageAmount
	large := 0
	var newestLarge *domain.Transaction
	for _, tx := range txs {
		if math.Abs(tx.Amount) > limit {
			large++
			newestLarge = latest(newestLarge, tx)
		}
	}
	if h.cfg.LargeTxnThreshold > 0 && large >= h.cfg.LargeTxnThreshold {
		in := alerts.FromAccountAnomaly(userID, "", PatternLargeTransactions, domain.SeverityHigh,
			fmt.Sprintf("%d large transactions in the last %d days", large, h.cfg.PatternWindowDays),
			map[string]any{"count": large, "limit": limit, "windowDays": h.cfg.PatternWindowDays},
			newestLarge.ID,
		)
		if _, err := h.deps.Alerts.CreateAlert(ctx, in); err != nil {
			errs = append(errs, err)
		}
	}

	slog.DebugContext(ctx, "patterns analyzed",
		"user_id", userID,
		"job_id", job.ID,
		"transactions", len(txs),
		"busiest_day_count", busiest,
		"large_count", large,
	)
	return errors.Join(errs...)
}

// TrainModel recomputes the user's profile when enough history exists.
func (h *Handlers) TrainModel(ctx context.Context, job *domain.Job, payload domain.JobPayload) error {
	if err := requireUser(payload); err != nil {
		return err
	}

	history, err := h.deps.Profiles.History(ctx, payload.UserID)
	if err != nil {
		return err
	}
	if len(history) < h.cfg.TrainMinTransactions {
		slog.DebugContext(ctx, "not enough history to train",
			"user_id", payload.UserID,
			"transactions", len(history),
			"required", h.cfg.TrainMinTransactions,
		)
		return nil
	}

	p, err := h.deps.Profiles.Refresh(ctx, payload.UserID)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "profile trained",
		"user_id", payload.UserID,
		"job_id", job.ID,
		"transactions", p.TransactionCount,
	)
	return nil
}

// MonitorGoals raises goal-risk alerts for active goals whose elapsed time
// runs ahead of their saved amount. An empty user sweeps every user.
func (h *Handlers) MonitorGoals(ctx context.Context, _ *domain.Job, payload domain.JobPayload) error {
	now := h.now().UTC()

	goals, err := h.deps.Goals.ListActiveGoals(ctx, now, payload.UserID)
	if err != nil {
		return fmt.Errorf("list goals: %w", err)
	}

	var errs []error
	raised := 0
	for _, goal := range goals {
		if payload.GoalID != "" && goal.ID != payload.GoalID {
			continue
		}
		timeProgress, amountProgress := goal.Progress(now)
		severity, ok := h.goalSeverity(timeProgress - amountProgress)
		if !ok {
			continue
		}
		if _, err := h.deps.Alerts.CreateAlert(ctx, alerts.FromGoalRisk(goal, timeProgress, amountProgress, severity, now)); err != nil {
			errs = append(errs, fmt.Errorf("goal %s: %w", goal.ID, err))
			continue
		}
		raised++
	}

	slog.DebugContext(ctx, "goals monitored", "user_id", payload.UserID, "goals", len(goals), "alerts", raised)
	return errors.Join(errs...)
}

func (h *Handlers) goalSeverity(gap float64) (domain.Severity, bool) {
	switch {
	case gap >= h.cfg.GoalGapCritical:
		return domain.SeverityCritical, true
	case gap >= h.cfg.GoalGapHigh:
		return domain.SeverityHigh, true
	case gap >= h.cfg.GoalGapMedium:
		return domain.SeverityMedium, true
	default:
		return "", false
	}
}

// DetectAccountAnomalies inspects recent activity per account for rapid-fire
// transactions and floods of round amounts, then queues a sync for accounts
// that have gone stale.
func (h *Handlers) DetectAccountAnomalies(ctx context.Context, _ *domain.Job, payload domain.JobPayload) error {
	if err := requireUser(payload); err != nil {
		return err
	}
	now := h.now().UTC()

	txs, err := h.deps.Transactions.ListTransactions(ctx, payload.UserID, now.Add(-h.cfg.AccountWindow), now.Add(time.Nanosecond))
	if err != nil {
		return fmt.Errorf("list transactions: %w", err)
	}

	byAccount := make(map[string][]*domain.Transaction)
	var order []string
	for _, tx := range txs {
		if payload.AccountID != "" && tx.AccountID != payload.AccountID {
			continue
		}
		if _, seen := byAccount[tx.AccountID]; !seen {
			order = append(order, tx.AccountID)
		}
		byAccount[tx.AccountID] = append(byAccount[tx.AccountID], tx)
	}

	var errs []error
	for _, accountID := range order {
		activity := byAccount[accountID]

		if rf := FindRapidFire(activity, h.cfg.RapidFireGap); h.cfg.RapidFireThreshold > 0 && rf.Pairs >= h.cfg.RapidFireThreshold {
			in := alerts.FromAccountAnomaly(payload.UserID, accountID, PatternRapidFire, domain.SeverityHigh,
				fmt.Sprintf("%d transactions less than %s apart from the previous one", rf.Transactions, h.cfg.RapidFireGap),
				map[string]any{"count": rf.Transactions, "pairs": rf.Pairs, "gap": h.cfg.RapidFireGap.String()},
				rf.LatestID,
			)
			if _, err := h.deps.Alerts.CreateAlert(ctx, in); err != nil {
				errs = append(errs, err)
			}
		}

		if round := roundAmounts(activity, h.cfg.RoundAmountUnit); h.cfg.RoundAmountThreshold > 0 && len(round) >= h.cfg.RoundAmountThreshold {
			in := alerts.FromAccountAnomaly(payload.UserID, accountID, PatternRoundNumberFlood, domain.SeverityMedium,
				fmt.Sprintf("%d round-amount transactions in the last %s", len(round), h.cfg.AccountWindow),
				map[string]any{"count": len(round), "unit": h.cfg.RoundAmountUnit},
				round[len(round)-1].ID,
			)
			if _, err := h.deps.Alerts.CreateAlert(ctx, in); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if err := h.enqueueStaleSyncs(ctx, payload, now); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// enqueueStaleSyncs queues sync-account for the user's accounts that have not
// synced within SyncStaleAfter. Keys are bucketed by that window so a sweep
// repeated inside it does not stack jobs.
func (h *Handlers) enqueueStaleSyncs(ctx context.Context, payload domain.JobPayload, now time.Time) error {
	if h.cfg.SyncStaleAfter <= 0 || h.deps.Accounts == nil || h.deps.Queue == nil {
		return nil
	}
	accounts, err := h.deps.Accounts.ListAccounts(ctx, payload.UserID)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	cutoff := now.Add(-h.cfg.SyncStaleAfter)
	bucket := scheduler.Bucket(now, h.cfg.SyncStaleAfter)
	var errs []error
	for _, acc := range accounts {
		if payload.AccountID != "" && acc.ID != payload.AccountID {
			continue
		}
		if !acc.IsStale(cutoff) {
			continue
		}
		_, err := h.deps.Queue.Enqueue(ctx, domain.JobSyncAccount,
			domain.JobPayload{UserID: payload.UserID, AccountID: acc.ID},
			domain.EnqueueOptions{Key: scheduler.Key(payload.UserID, domain.JobSyncAccount, acc.ID+":"+bucket)},
		)
		if err != nil {
			errs = append(errs, fmt.Errorf("enqueue sync for %s: %w", acc.ID, err))
			continue
		}
		slog.DebugContext(ctx, "stale account sync enqueued", "user_id", payload.UserID, "account_id", acc.ID)
	}
	return errors.Join(errs...)
}

// RapidFire summarizes the transactions that followed their predecessor
// within the rapid-fire gap.
type RapidFire struct {
	// Pairs counts consecutive pairs closer than the gap.
	Pairs int
	// Transactions counts distinct transactions belonging to any such pair.
	Transactions int
	// LatestID is the newest transaction in a close pair.
	LatestID string
}

// FindRapidFire scans txs, ordered oldest first, for consecutive
// transactions closer than gap.
func FindRapidFire(txs []*domain.Transaction, gap time.Duration) RapidFire {
	var rf RapidFire
	inRun := false
	for i := 1; i < len(txs); i++ {
		if txs[i].Timestamp.Sub(txs[i-1].Timestamp) >= gap {
			inRun = false
			continue
		}
		rf.Pairs++
		if inRun {
			rf.Transactions++
		} else {
			rf.Transactions += 2
		}
		inRun = true
		rf.LatestID = txs[i].ID
	}
	return rf
}

// RoundAmountCount counts non-zero amounts that are whole multiples of unit.
func RoundAmountCount(txs []*domain.Transaction, unit int64) int {
	return len(roundAmounts(txs, unit))
}

func roundAmounts(txs []*domain.Transaction, unit int64) []*domain.Transaction {
	if unit <= 0 {
		return nil
	}
	u := decimal.NewFromInt(unit)
	var out []*domain.Transaction
	for _, tx := range txs {
		amount := decimal.NewFromFloat(tx.Amount).Abs()
		if !amount.IsZero() && amount.Mod(u).IsZero() {
			out = append(out, tx)
		}
	}
	return out
}

func latest(a, b *domain.Transaction) *domain.Transaction {
	if a == nil || b.Timestamp.After(a.Timestamp) {
		return b
	}
	return a
}

// SyncAccount refreshes one account through the configured syncer and
// records the sync time. Failures are classified by the processor; terminal
// ones leave a sync-error note on the account.
func (h *Handlers) SyncAccount(ctx context.Context, _ *domain.Job, payload domain.JobPayload) error {
	if payload.AccountID == "" {
		return domain.Permanent(fmt.Errorf("%w: sync job has no account", domain.ErrInvalidInput))
	}
	if h.deps.Syncer == nil {
		slog.DebugContext(ctx, "no account syncer configured", "account_id", payload.AccountID)
		return nil
	}

	account, err := h.deps.Accounts.GetAccount(ctx, payload.AccountID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	if err := h.deps.Syncer.SyncAccount(ctx, account); err != nil {
		return fmt.Errorf("sync account %s: %w", account.ID, err)
	}
	return h.deps.Accounts.MarkAccountSynced(ctx, account.ID, h.now().UTC())
}

// WeeklyDigest pushes the user's risk score and open alerts from the past week.
func (h *Handlers) WeeklyDigest(ctx context.Context, _ *domain.Job, payload domain.JobPayload) error {
	if err := requireUser(payload); err != nil {
		return err
	}
	if h.deps.Push == nil {
		return nil
	}
	now := h.now().UTC()

	score, err := h.deps.Risk.Calculate(ctx, payload.UserID)
	if err != nil {
		return fmt.Errorf("risk score: %w", err)
	}
	open, err := h.deps.AlertStore.ListAlerts(ctx, payload.UserID, domain.AlertFilter{
		Since:          now.AddDate(0, 0, -7),
		Unacknowledged: true,
	})
	if err != nil {
		return fmt.Errorf("list alerts: %w", err)
	}

	body := fmt.Sprintf("Your risk score this week is %d/100 with %d open alerts.", score.Overall, len(open))
	data := map[string]any{
		"type":       "weekly_digest",
		"riskScore":  score.Overall,
		"openAlerts": len(open),
	}

	sendCtx := ctx
	if h.deps.AlertsConfig.NotifyTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, h.deps.AlertsConfig.NotifyTimeout)
		defer cancel()
	}
	if err := h.deps.Push.Send(sendCtx, payload.UserID, "Weekly security summary", body, data); err != nil {
		slog.WarnContext(ctx, "weekly digest delivery failed",
			"user_id", payload.UserID,
			"error", errors.Join(domain.ErrNotificationFailed, err),
		)
	}
	return nil
}

// RetentionCleanup deletes expired alerts and finished queue entries.
func (h *Handlers) RetentionCleanup(ctx context.Context, _ *domain.Job, _ domain.JobPayload) error {
	now := h.now().UTC()

	alertsRemoved := 0
	if h.deps.AlertsConfig.RetentionDays > 0 {
		n, err := h.deps.AlertStore.DeleteAlertsBefore(ctx, now.AddDate(0, 0, -h.deps.AlertsConfig.RetentionDays))
		if err != nil {
			return fmt.Errorf("delete alerts: %w", err)
		}
		alertsRemoved = n
	}

	completed, err := h.deps.Queue.Purge(ctx, domain.JobCompleted, now.Add(-h.deps.QueueConfig.CompletedRetention))
	if err != nil {
		return fmt.Errorf("purge completed jobs: %w", err)
	}
	dead, err := h.deps.Queue.Purge(ctx, domain.JobDead, now.Add(-h.deps.QueueConfig.DeadRetention))
	if err != nil {
		return fmt.Errorf("purge dead jobs: %w", err)
	}

	slog.InfoContext(ctx, "retention cleanup finished",
		"alerts_removed", alertsRemoved,
		"completed_jobs_removed", completed,
		"dead_jobs_removed", dead,
	)
	return nil
}
