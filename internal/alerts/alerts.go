// Package alerts persists user alerts and fans them out as push
// notifications.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// pushCounterKey is the per-user throttle counter.
const pushCounterKey = "push"

// Input describes an alert to create.
type Input struct {
	UserID        string
	TransactionID string
	Type          domain.AlertType
	Severity      domain.Severity
	Title         string
	Message       string
	Details       map[string]any

	// DedupKey makes creation insert-if-absent per user.
	DedupKey string
}

// Dispatcher creates alerts. Persistence is authoritative; notification is
// best effort and never fails the caller.
type Dispatcher struct {
	store    domain.AlertStore
	push     domain.PushTransport
	throttle domain.Cache
	cfg      domain.AlertsConfig
	now      func() time.Time
}

// NewDispatcher creates a dispatcher. push may be nil to disable
// notifications; throttle may be nil to disable the hourly cap.
func NewDispatcher(store domain.AlertStore, push domain.PushTransport, throttle domain.Cache, cfg domain.AlertsConfig) *Dispatcher {
	return &Dispatcher{
		store:    store,
		push:     push,
		throttle: throttle,
		cfg:      cfg,
		now:      time.Now,
	}
}

// CreateAlert persists an alert and notifies the user when the alert is new
// and either not low severity or an account-security alert.
func (d *Dispatcher) CreateAlert(ctx context.Context, in Input) (*domain.Alert, error) {
	if in.UserID == "" {
		return nil, fmt.Errorf("%w: alert user is required", domain.ErrInvalidInput)
	}
	if !in.Severity.Valid() {
		return nil, fmt.Errorf("%w: unknown severity %q", domain.ErrInvalidInput, in.Severity)
	}

	alert := &domain.Alert{
		ID:            uuid.New().String(),
		UserID:        in.UserID,
		TransactionID: in.TransactionID,
		Type:          in.Type,
		Severity:      in.Severity,
		Title:         in.Title,
		Message:       in.Message,
		Details:       in.Details,
		CreatedAt:     d.now().UTC(),
		DedupKey:      in.DedupKey,
	}

	stored, inserted, err := d.store.InsertAlert(ctx, alert)
	if err != nil {
		return nil, fmt.Errorf("insert alert: %w", err)
	}
	if !inserted {
		slog.DebugContext(ctx, "duplicate alert suppressed",
			"user_id", in.UserID,
			"alert_id", stored.ID,
			"dedup_key", in.DedupKey,
		)
		return stored, nil
	}

	metrics.AlertsTotal.WithLabelValues(string(stored.Type), string(stored.Severity)).Inc()
	slog.InfoContext(ctx, "alert created",
		"user_id", stored.UserID,
		"alert_id", stored.ID,
		"type", stored.Type,
		"severity", stored.Severity,
	)

	if ShouldNotify(stored) {
		d.notify(ctx, stored)
	}
	return stored, nil
}

// ShouldNotify reports whether an alert warrants a push notification.
func ShouldNotify(a *domain.Alert) bool {
	return a.Type == domain.AlertAccountSecurity || a.Severity != domain.SeverityLow
}

// notify sends the push notification, logging and swallowing any failure.
func (d *Dispatcher) notify(ctx context.Context, a *domain.Alert) {
	if d.push == nil {
		return
	}

	if d.cfg.NotifyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.NotifyTimeout)
		defer cancel()
	}

	if d.throttled(ctx, a.UserID) {
		metrics.NotificationsTotal.WithLabelValues("throttled").Inc()
		slog.InfoContext(ctx, "push notification throttled", "user_id", a.UserID, "alert_id", a.ID)
		return
	}

	data := map[string]any{
		"alertId":  a.ID,
		"type":     a.Type,
		"severity": a.Severity,
	}
	if a.TransactionID != "" {
		data["transactionId"] = a.TransactionID
	}

	if err := d.push.Send(ctx, a.UserID, a.Title, a.Message, data); err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		slog.WarnContext(ctx, "push notification failed",
			"user_id", a.UserID,
			"alert_id", a.ID,
			"error", errors.Join(domain.ErrNotificationFailed, err),
		)
		return
	}
	metrics.NotificationsTotal.WithLabelValues("sent").Inc()
}

// throttled counts the notification against the user's hourly budget.
// Counter failures never suppress a notification.
func (d *Dispatcher) throttled(ctx context.Context, userID string) bool {
	if d.throttle == nil || d.cfg.MaxPushPerHour <= 0 {
		return false
	}
	n, err := d.throttle.IncrementCounter(ctx, userID, pushCounterKey, time.Hour)
	if err != nil {
		slog.WarnContext(ctx, "push throttle counter failed", "user_id", userID, "error", err)
		return false
	}
	return n > int64(d.cfg.MaxPushPerHour)
}

// Acknowledge marks the user's alert as acknowledged. Repeating the call is
// a no-op that returns the same alert. Alerts owned by another user are
// reported as not found.
func (d *Dispatcher) Acknowledge(ctx context.Context, userID, alertID string) (*domain.Alert, error) {
	if userID == "" || alertID == "" {
		return nil, fmt.Errorf("%w: user and alert id are required", domain.ErrInvalidInput)
	}

	if _, err := d.store.AcknowledgeAlert(ctx, userID, alertID, d.now().UTC()); err != nil {
		return nil, fmt.Errorf("acknowledge alert: %w", err)
	}

	alert, err := d.store.GetAlert(ctx, userID, alertID)
	if err != nil {
		return nil, fmt.Errorf("get alert %s: %w", alertID, err)
	}
	return alert, nil
}

// List returns the user's alerts, newest first.
func (d *Dispatcher) List(ctx context.Context, userID string, filter domain.AlertFilter) ([]*domain.Alert, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", domain.ErrInvalidInput)
	}
	return d.store.ListAlerts(ctx, userID, filter)
}
