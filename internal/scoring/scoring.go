// Package scoring implements the statistical anomaly scorer: a small set of
// weighted indicators averaged over the ones that fired.
package scoring

import (
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Indicator names.
const (
	IndicatorDeviation   = "amount_deviation"
	IndicatorOffHours    = "off_hours"
	IndicatorNewMerchant = "new_merchant"
	IndicatorNewLocation = "new_location"
	IndicatorVelocity    = "velocity"
	IndicatorWeekend     = "weekend"
)

// Indicator is one fired statistical signal.
type Indicator struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// Result is the scorer output with its explanation.
type Result struct {
	Score      float64     `json:"score"`
	Reasons    []string    `json:"reasons"`
	Indicators []Indicator `json:"indicators"`
}

// Scorer computes statistical anomaly scores. It is stateless.
type Scorer struct {
	cfg domain.ScorerConfig
}

// NewScorer creates a scorer with the given weights.
func NewScorer(cfg domain.ScorerConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score returns the statistical anomaly score in [0,1].
func (s *Scorer) Score(fv *domain.FeatureVector, p *domain.BehaviorProfile) float64 {
	return s.Evaluate(fv, p).Score
}

// Evaluate scores fv and explains which indicators fired. The score is the
// mean weight of the fired indicators, 0 when none fired.
func (s *Scorer) Evaluate(fv *domain.FeatureVector, p *domain.BehaviorProfile) Result {
	res := Result{Reasons: []string{}, Indicators: []Indicator{}}
	add := func(name string, weight float64, reason string) {
		res.Indicators = append(res.Indicators, Indicator{Name: name, Weight: weight})
		res.Reasons = append(res.Reasons, reason)
	}

	large := fv.Amount > s.cfg.LargeAmountMultiplier*p.AverageAmount

	switch {
	case fv.AmountDeviation > s.cfg.DeviationHigh:
		add(IndicatorDeviation, s.cfg.DeviationHighWeight,
			fmt.Sprintf("Amount is %.1f standard deviations from the usual spend", fv.AmountDeviation))
	case fv.AmountDeviation > s.cfg.DeviationMedium:
		add(IndicatorDeviation, s.cfg.DeviationMediumWeight,
			fmt.Sprintf("Amount is %.1f standard deviations from the usual spend", fv.AmountDeviation))
	}
	if !p.KnowsHour(fv.Hour) {
		add(IndicatorOffHours, s.cfg.OffHoursWeight,
			fmt.Sprintf("Transaction at %02d:00 is outside the usual active hours", fv.Hour))
	}
	if fv.IsNewMerchant && large {
		add(IndicatorNewMerchant, s.cfg.NewMerchantWeight, "Large amount at a merchant not seen before")
	}
	if fv.IsNewLocation && large {
		add(IndicatorNewLocation, s.cfg.NewLocationWeight, "Large amount from a location not seen before")
	}
	if fv.TransactionsLastHour > s.cfg.VelocityThreshold {
		add(IndicatorVelocity, s.cfg.VelocityWeight,
			fmt.Sprintf("%d transactions within the last hour", fv.TransactionsLastHour))
	}
	if fv.IsWeekend && large {
		add(IndicatorWeekend, s.cfg.WeekendWeight, "Large amount spent on a weekend")
	}

	if len(res.Indicators) == 0 {
		return res
	}

	var sum float64
	for _, ind := range res.Indicators {
		sum += ind.Weight
	}
	res.Score = math.Max(0, math.Min(1, sum/float64(len(res.Indicators))))
	return res
}
