// Package risk computes a user's multi-dimensional risk score from recent
// activity, the behavior profile and account health.
package risk

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ProfileSource supplies behavior profiles.
type ProfileSource interface {
	BuildProfile(ctx context.Context, userID string) *domain.BehaviorProfile
}

// Aggregator computes RiskScores on demand. Nothing is cached.
type Aggregator struct {
	profiles    ProfileSource
	txns        domain.TransactionStore
	accounts    domain.AccountStore
	cfg         domain.RiskConfig
	readTimeout time.Duration
	now         func() time.Time
}

// NewAggregator creates a risk aggregator.
func NewAggregator(profiles ProfileSource, txns domain.TransactionStore, accounts domain.AccountStore, cfg domain.RiskConfig, readTimeout time.Duration) *Aggregator {
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = 7
	}
	return &Aggregator{
		profiles:    profiles,
		txns:        txns,
		accounts:    accounts,
		cfg:         cfg,
		readTimeout: readTimeout,
		now:         time.Now,
	}
}

// Calculate returns the user's current risk score.
func (a *Aggregator) Calculate(ctx context.Context, userID string) (*domain.RiskScore, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", domain.ErrInvalidInput)
	}

	now := a.now().UTC()
	p := a.profiles.BuildProfile(ctx, userID)

	readCtx, cancel := a.withTimeout(ctx)
	defer cancel()

	window, err := a.txns.ListTransactions(readCtx, userID, now.AddDate(0, 0, -a.cfg.WindowDays), now.Add(time.Nanosecond))
	if err != nil {
		return nil, fmt.Errorf("list window transactions: %w", err)
	}
	accounts, err := a.accounts.ListAccounts(readCtx, userID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	score := &domain.RiskScore{
		UserID:      userID,
		Transaction: a.TransactionRisk(window, p),
		Behavior:    a.BehaviorRisk(p),
		Account:     a.AccountRisk(accounts, now),
		Time:        a.TimeRisk(window),
		Location:    a.LocationRisk(window, p),
	}
	score.Overall = Overall(score, a.cfg.Weights)
	return score, nil
}

// TransactionRisk scales the share of window transactions above
// LargeAmountMultiplier times the profile average.
func (a *Aggregator) TransactionRisk(window []*domain.Transaction, p *domain.BehaviorProfile) int {
	frac := fraction(window, func(t *domain.Transaction) bool {
		return math.Abs(t.Amount) > a.cfg.LargeAmountMultiplier*p.AverageAmount
	})
	return capScore(math.Round(a.cfg.TransactionScale * frac))
}

// BehaviorRisk drops as the merchant history becomes established.
func (a *Aggregator) BehaviorRisk(p *domain.BehaviorProfile) int {
	return capScore(math.Round(a.cfg.BehaviorBase - a.cfg.BehaviorPerMerchant*float64(len(p.CommonMerchants))))
}

// AccountRisk grows with the number of linked accounts and the share of
// accounts that have not synced within AccountStaleAfter.
func (a *Aggregator) AccountRisk(accounts []*domain.Account, now time.Time) int {
	if len(accounts) == 0 {
		return 0
	}
	count := min(len(accounts), a.cfg.AccountCountCap)
	base := math.Min(100, a.cfg.AccountPerAccount*float64(count))

	cutoff := now.Add(-a.cfg.AccountStaleAfter)
	stale := 0
	for _, acc := range accounts {
		if acc.IsStale(cutoff) {
			stale++
		}
	}
	unsynced := a.cfg.AccountUnsyncedWeight * float64(stale) / float64(len(accounts))
	return capScore(math.Round(base + unsynced))
}

// TimeRisk is the percentage of window transactions outside the daytime
// hours [DayStartHour, DayEndHour), evaluated in UTC.
func (a *Aggregator) TimeRisk(window []*domain.Transaction) int {
	frac := fraction(window, func(t *domain.Transaction) bool {
		h := t.Timestamp.UTC().Hour()
		return h < a.cfg.DayStartHour || h >= a.cfg.DayEndHour
	})
	return capScore(math.Round(100 * frac))
}

// LocationRisk is the percentage of window transactions at a location the
// profile does not know. Transactions without a location are not counted
// as unknown.
func (a *Aggregator) LocationRisk(window []*domain.Transaction, p *domain.BehaviorProfile) int {
	frac := fraction(window, func(t *domain.Transaction) bool {
		return t.Location != "" && p.LocationRank(t.Location) == 0
	})
	return capScore(math.Round(100 * frac))
}

// Overall is the weighted sum of the components, rounded and clamped to
// [0,100].
func Overall(s *domain.RiskScore, w domain.RiskWeights) int {
	sum := w.Transaction*float64(s.Transaction) +
		w.Behavior*float64(s.Behavior) +
		w.Account*float64(s.Account) +
		w.Time*float64(s.Time) +
		w.Location*float64(s.Location)
	return capScore(math.Round(sum))
}

func (a *Aggregator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.readTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.readTimeout)
}

func fraction(txs []*domain.Transaction, match func(*domain.Transaction) bool) float64 {
	if len(txs) == 0 {
		return 0
	}
	n := 0
	for _, t := range txs {
		if match(t) {
			n++
		}
	}
	return float64(n) / float64(len(txs))
}

func capScore(v float64) int {
	return int(math.Max(0, math.Min(100, v)))
}
