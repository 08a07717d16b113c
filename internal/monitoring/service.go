// Package monitoring is the service facade over the detection pipeline,
// alerts, risk scoring and background analysis.
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/alerts"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/profile"
	"github.com/opensource-finance/kestrel/internal/risk"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scheduler"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/tadp"
)

var tracer = otel.Tracer("kestrel-monitoring")

// Trigger runs immediate analysis outside the cron cadences.
type Trigger interface {
	TriggerImmediate(ctx context.Context, userID string) (int, error)
}

// Deps wires the service to its collaborators.
type Deps struct {
	Transactions domain.TransactionStore
	AlertStore   domain.AlertStore
	Queue        domain.JobQueue

	Profiles  *profile.Builder
	Extractor *features.Extractor
	Rules     *rules.Engine
	Scorer    *scoring.Scorer
	Decision  *tadp.Processor
	Risk      *risk.Aggregator
	Alerts    *alerts.Dispatcher
	Trigger   Trigger

	// EnqueueTimeout bounds the follow-up enqueue after an analysis.
	EnqueueTimeout time.Duration
}

// Service exposes the monitoring operations.
type Service struct {
	deps     Deps
	validate *validator.Validate
	now      func() time.Time

	// background tracks fire-and-forget enqueues.
	background sync.WaitGroup
}

// NewService creates the service.
func NewService(deps Deps) *Service {
	if deps.EnqueueTimeout <= 0 {
		deps.EnqueueTimeout = 5 * time.Second
	}
	return &Service{
		deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
}

// Stats is the monitoring snapshot returned by GetMonitoringStats.
type Stats struct {
	Queue      domain.QueueStats `json:"queue"`
	Alerts     domain.AlertStats `json:"alerts"`
	Rules      int               `json:"rules"`
	LastUpdate time.Time         `json:"lastUpdate"`
}

// TrainResult acknowledges a training request.
type TrainResult struct {
	Acknowledged bool   `json:"acknowledged"`
	JobID        string `json:"jobId"`
}

// AnalyzeTransaction scores one transaction synchronously and raises an
// alert when it is anomalous. The transaction is then stored and an
// analyze-patterns job is enqueued in the background; neither step can
// fail or block the returned result.
func (s *Service) AnalyzeTransaction(ctx context.Context, userID string, txn *domain.Transaction) (*domain.AnomalyResult, error) {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "AnalyzeTransaction",
		trace.WithAttributes(attribute.String("user.id", userID)),
	)
	defer span.End()

	res, err := s.analyze(ctx, userID, txn)
	metrics.AnalysisDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.AnalysesTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	outcome := "normal"
	if res.IsAnomaly {
		outcome = "anomaly"
	}
	metrics.AnalysesTotal.WithLabelValues(outcome).Inc()
	span.SetAttributes(
		attribute.String("transaction.id", txn.ID),
		attribute.Bool("anomaly", res.IsAnomaly),
		attribute.Float64("confidence", res.Confidence),
	)

	slog.InfoContext(ctx, "transaction analyzed",
		"user_id", userID,
		"transaction_id", txn.ID,
		"anomaly", res.IsAnomaly,
		"severity", res.Severity,
		"risk_score", res.RiskScore,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

func (s *Service) analyze(ctx context.Context, userID string, txn *domain.Transaction) (*domain.AnomalyResult, error) {
	if err := s.prepare(ctx, userID, txn); err != nil {
		return nil, err
	}

	p := s.deps.Profiles.BaselineFor(ctx, userID, txn)

	fv, err := s.deps.Extractor.ExtractFeatures(ctx, userID, txn, p)
	if err != nil {
		return nil, fmt.Errorf("extract features: %w", err)
	}

	ruleResult := s.deps.Rules.Evaluate(fv, p)
	for _, tr := range ruleResult.Triggered {
		metrics.RulesTriggeredTotal.WithLabelValues(tr.ID).Inc()
	}

	res := s.deps.Decision.Combine(&tadp.DecisionInput{
		TransactionID: txn.ID,
		Features:      fv,
		Profile:       p,
		Rules:         ruleResult,
		Statistical:   s.deps.Scorer.Evaluate(fv, p),
	})

	if tadp.ShouldAlert(res) {
		if _, err := s.deps.Alerts.CreateAlert(ctx, alerts.FromAnomaly(userID, txn, res)); err != nil {
			slog.ErrorContext(ctx, "failed to create anomaly alert",
				"user_id", userID,
				"transaction_id", txn.ID,
				"error", err,
			)
		}
	}

	if err := s.deps.Transactions.SaveTransaction(ctx, txn); err != nil {
		slog.ErrorContext(ctx, "failed to store analyzed transaction",
			"user_id", userID,
			"transaction_id", txn.ID,
			"error", err,
		)
	}

	s.enqueueFollowUp(ctx, userID, txn.ID)
	return res, nil
}

// prepare validates the request and fills defaults on txn.
func (s *Service) prepare(ctx context.Context, userID string, txn *domain.Transaction) error {
	if err := s.validate.VarCtx(ctx, userID, "required,max=128"); err != nil {
		return fmt.Errorf("%w: userId is required", domain.ErrInvalidInput)
	}
	if txn == nil {
		return fmt.Errorf("%w: transaction is required", domain.ErrInvalidInput)
	}
	if txn.UserID != "" && txn.UserID != userID {
		return fmt.Errorf("%w: transaction belongs to another user", domain.ErrInvalidInput)
	}
	if err := s.validate.StructCtx(ctx, txn); err != nil {
		return formatValidationError(err)
	}

	txn.UserID = userID
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if txn.Timestamp.IsZero() {
		txn.Timestamp = now
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = now
	}
	return nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s exceeds %s characters", fe.Field(), fe.Param()))
		case "len":
			msgs = append(msgs, fmt.Sprintf("%s must be %s characters", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", domain.ErrInvalidInput, strings.Join(msgs, "; "))
}

// enqueueFollowUp schedules pattern analysis on a detached goroutine with
// its own deadline. Failures are logged only.
func (s *Service) enqueueFollowUp(ctx context.Context, userID, txnID string) {
	if s.deps.Queue == nil {
		return
	}

	detached := context.WithoutCancel(ctx)
	s.background.Add(1)
	go func() {
		defer s.background.Done()

		ctx, cancel := context.WithTimeout(detached, s.deps.EnqueueTimeout)
		defer cancel()

		_, err := s.deps.Queue.Enqueue(ctx, domain.JobAnalyzePatterns, domain.JobPayload{UserID: userID}, domain.EnqueueOptions{
			Key: scheduler.Key(userID, domain.JobAnalyzePatterns, "txn-"+txnID),
		})
		if err != nil {
			slog.WarnContext(ctx, "failed to enqueue pattern analysis",
				"user_id", userID,
				"transaction_id", txnID,
				"error", err,
			)
		}
	}()
}

// Wait blocks until background enqueues started by AnalyzeTransaction finish.
func (s *Service) Wait() {
	s.background.Wait()
}

// GetUserAnomalies lists the user's transaction anomaly alerts.
func (s *Service) GetUserAnomalies(ctx context.Context, userID string, filter domain.AlertFilter) ([]*domain.Alert, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", domain.ErrInvalidInput)
	}
	filter.Types = []domain.AlertType{domain.AlertFraudDetection, domain.AlertUnusualSpending}
	return s.deps.Alerts.List(ctx, userID, filter)
}

// GetUserAlerts lists every alert type for the user.
func (s *Service) GetUserAlerts(ctx context.Context, userID string, filter domain.AlertFilter) ([]*domain.Alert, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", domain.ErrInvalidInput)
	}
	return s.deps.Alerts.List(ctx, userID, filter)
}

// AcknowledgeAlert marks the user's alert as acknowledged. Idempotent.
func (s *Service) AcknowledgeAlert(ctx context.Context, userID, alertID string) (*domain.Alert, error) {
	if userID == "" || alertID == "" {
		return nil, fmt.Errorf("%w: userId and alertId are required", domain.ErrInvalidInput)
	}
	return s.deps.Alerts.Acknowledge(ctx, userID, alertID)
}

// CalculateRiskScore computes the user's current risk components.
func (s *Service) CalculateRiskScore(ctx context.Context, userID string) (*domain.RiskScore, error) {
	ctx, span := tracer.Start(ctx, "CalculateRiskScore", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()
	return s.deps.Risk.Calculate(ctx, userID)
}

// TrainUserModel queues a profile recompute for the user.
func (s *Service) TrainUserModel(ctx context.Context, userID string) (*TrainResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", domain.ErrInvalidInput)
	}
	job, err := s.deps.Queue.Enqueue(ctx, domain.JobTrainModel, domain.JobPayload{UserID: userID}, domain.EnqueueOptions{
		Priority: domain.PriorityHigh,
		Key:      scheduler.Key(userID, domain.JobTrainModel, "manual-"+scheduler.Bucket(s.now(), time.Minute)),
	})
	if err != nil {
		return nil, err
	}
	return &TrainResult{Acknowledged: true, JobID: job.ID}, nil
}

// TriggerImmediateAnalysis enqueues analysis for one user, or runs every
// sweep when userID is empty.
func (s *Service) TriggerImmediateAnalysis(ctx context.Context, userID string) (int, error) {
	if s.deps.Trigger == nil {
		return 0, fmt.Errorf("%w: scheduler not configured", domain.ErrInvalidInput)
	}
	return s.deps.Trigger.TriggerImmediate(ctx, userID)
}

// GetMonitoringStats reports queue occupancy, alert counts and rule count.
func (s *Service) GetMonitoringStats(ctx context.Context) (*Stats, error) {
	now := s.now().UTC()

	q, err := s.deps.Queue.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	a, err := s.deps.AlertStore.AlertStats(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("alert stats: %w", err)
	}

	return &Stats{
		Queue:      q,
		Alerts:     a,
		Rules:      s.deps.Rules.RulesCount(),
		LastUpdate: now,
	}, nil
}
