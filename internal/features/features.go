// Package features turns a candidate transaction and a behavior profile
// into the flat FeatureVector consumed by both detectors.
package features

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/profile"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

// DefaultHoursSinceLast is used when the user has no earlier transaction.
const DefaultHoursSinceLast = 24.0

// Extractor derives feature vectors. It only reads.
type Extractor struct {
	velocity *velocity.Service
	window   time.Duration
}

// NewExtractor creates an extractor backed by the velocity service.
func NewExtractor(v *velocity.Service) *Extractor {
	return &Extractor{velocity: v, window: velocity.DefaultWindow}
}

// ExtractFeatures computes the feature vector of txn against the profile.
// Read errors are wrapped and returned.
func (e *Extractor) ExtractFeatures(ctx context.Context, userID string, txn *domain.Transaction, p *domain.BehaviorProfile) (*domain.FeatureVector, error) {
	fv := Static(txn, p)

	hours, found, err := e.velocity.HoursSinceLast(ctx, userID, txn.Timestamp, txn.ID)
	if err != nil {
		return nil, fmt.Errorf("recency for user %s: %w", userID, err)
	}
	if found {
		fv.HoursSinceLast = hours
	}

	count, err := e.velocity.CountInWindow(ctx, userID, txn.Timestamp, e.window, txn.ID)
	if err != nil {
		return nil, fmt.Errorf("velocity for user %s: %w", userID, err)
	}
	fv.TransactionsLastHour = count

	return fv, nil
}

// Static computes every feature that needs no store access. Recency
// defaults to DefaultHoursSinceLast and velocity to the candidate alone.
func Static(txn *domain.Transaction, p *domain.BehaviorProfile) *domain.FeatureVector {
	amount := math.Abs(txn.Amount)
	ts := txn.Timestamp.UTC()
	weekday := ts.Weekday()

	merchant := profile.MerchantToken(txn.Description)
	merchantRank := p.MerchantRank(merchant)
	locationRank := p.LocationRank(txn.Location)

	return &domain.FeatureVector{
		Amount:               amount,
		Hour:                 ts.Hour(),
		DayOfWeek:            int(weekday),
		DayOfMonth:           ts.Day(),
		IsWeekend:            weekday == time.Saturday || weekday == time.Sunday,
		MerchantRank:         merchantRank,
		LocationRank:         locationRank,
		HoursSinceLast:       DefaultHoursSinceLast,
		AmountDeviation:      Deviation(amount, p),
		IsNewMerchant:        merchant != "" && merchantRank == 0,
		IsNewLocation:        txn.Location != "" && locationRank == 0,
		TransactionsLastHour: 1,
	}
}

// Deviation is |amount - mean| / stddev, or 0 when stddev is 0.
func Deviation(amount float64, p *domain.BehaviorProfile) float64 {
	if p.StdDev <= 0 {
		return 0
	}
	return math.Abs(amount-p.AverageAmount) / p.StdDev
}
