// Package velocity answers recency and frequency questions about a user's
// transaction stream.
package velocity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultWindow is the trailing window used for transaction velocity.
const DefaultWindow = 60 * time.Minute

// Service reads transaction counts and recency from the transaction store.
type Service struct {
	store       domain.TransactionStore
	readTimeout time.Duration
}

// NewService creates a new velocity service. A zero readTimeout leaves reads unbounded.
func NewService(store domain.TransactionStore, readTimeout time.Duration) *Service {
	return &Service{
		store:       store,
		readTimeout: readTimeout,
	}
}

// CountInWindow returns how many of the user's transactions fall in
// [at-window, at], counting the candidate exactly once: stored rows with
// the candidate's id are skipped and one is added for the candidate itself.
func (s *Service) CountInWindow(ctx context.Context, userID string, at time.Time, window time.Duration, candidateID string) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: userID is required", domain.ErrInvalidInput)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.store.CountTransactions(ctx, userID, at.Add(-window), at, candidateID)
	if err != nil {
		return 0, fmt.Errorf("count transactions: %w", err)
	}
	return n + 1, nil
}

// HoursSinceLast returns the hours between at and the user's previous
// transaction. found is false when there is no earlier transaction.
func (s *Service) HoursSinceLast(ctx context.Context, userID string, at time.Time, candidateID string) (hours float64, found bool, err error) {
	if userID == "" {
		return 0, false, fmt.Errorf("%w: userID is required", domain.ErrInvalidInput)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	prev, err := s.store.LatestTransaction(ctx, userID, at, candidateID)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("latest transaction: %w", err)
	}
	return at.Sub(prev.Timestamp).Hours(), true, nil
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.readTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.readTimeout)
}
