// Package notify provides push notification transports. The bus transport
// publishes notifications to the event bus; a Relay on the other side
// delivers them to the device-facing transport.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// BusTransport publishes push notifications on the event bus, rate limited.
type BusTransport struct {
	bus     domain.EventBus
	topic   string
	limiter *rate.Limiter
}

// NewBusTransport creates a bus-backed transport. A non-positive rate
// disables limiting.
func NewBusTransport(bus domain.EventBus, cfg domain.NotifyConfig) *BusTransport {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &BusTransport{
		bus:     bus,
		topic:   domain.TopicPushNotification,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Send publishes the notification. It waits for the rate limiter within
// the caller's deadline.
func (t *BusTransport) Send(ctx context.Context, userID, title, body string, data map[string]any) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limit wait: %v", domain.ErrTransient, err)
	}

	payload, err := json.Marshal(domain.PushMessage{UserID: userID, Title: title, Body: body, Data: data})
	if err != nil {
		return fmt.Errorf("marshal push message: %w", err)
	}
	if err := t.bus.Publish(ctx, t.topic, payload); err != nil {
		return fmt.Errorf("publish push message: %w", err)
	}
	return nil
}

// LogTransport writes notifications to the structured log. It is the
// delivery end for deployments without a device gateway.
type LogTransport struct {
	logger *slog.Logger
}

// NewLogTransport creates a log transport. A nil logger uses the default.
func NewLogTransport(logger *slog.Logger) *LogTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogTransport{logger: logger}
}

// Send logs the notification.
func (t *LogTransport) Send(ctx context.Context, userID, title, body string, data map[string]any) error {
	t.logger.InfoContext(ctx, "push notification",
		"user_id", userID,
		"title", title,
		"body", body,
		"data", data,
	)
	return nil
}

// Relay subscribes to push notifications on the bus and hands each one to
// the delivery transport. Malformed messages are dropped.
func Relay(ctx context.Context, bus domain.EventBus, deliver domain.PushTransport) (domain.Subscription, error) {
	return bus.Subscribe(ctx, domain.TopicPushNotification, func(ctx context.Context, msg *domain.Message) error {
		var pm domain.PushMessage
		if err := json.Unmarshal(msg.Payload, &pm); err != nil {
			slog.WarnContext(ctx, "dropping malformed push message", "message_id", msg.ID, "error", err)
			return nil
		}
		if err := deliver.Send(ctx, pm.UserID, pm.Title, pm.Body, pm.Data); err != nil {
			slog.WarnContext(ctx, "push delivery failed", "user_id", pm.UserID, "message_id", msg.ID, "error", err)
			return err
		}
		return nil
	})
}

// New builds the transport named by cfg.Transport: "bus" (default) needs a
// bus, "log" writes to the default logger.
func New(cfg domain.NotifyConfig, bus domain.EventBus) (domain.PushTransport, error) {
	switch cfg.Transport {
	case "", "bus":
		if bus == nil {
			return nil, fmt.Errorf("%w: bus transport requires an event bus", domain.ErrInvalidInput)
		}
		return NewBusTransport(bus, cfg), nil
	case "log":
		return NewLogTransport(nil), nil
	default:
		return nil, fmt.Errorf("%w: unsupported notify transport: %s", domain.ErrInvalidInput, cfg.Transport)
	}
}
