// Package tadp implements the Transaction Aggregated Decision Processor.
// TADP merges the rule engine and statistical scorer outputs into the
// final anomaly decision for a transaction.
package tadp

import (
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Processor combines detector outputs into an AnomalyResult.
type Processor struct {
	cfg domain.DecisionConfig
}

// NewProcessor creates a new TADP processor.
func NewProcessor(cfg domain.DecisionConfig) *Processor {
	return &Processor{cfg: cfg}
}

// DecisionInput contains all data needed for a decision.
type DecisionInput struct {
	TransactionID string
	Features      *domain.FeatureVector
	Profile       *domain.BehaviorProfile
	Rules         rules.Result
	Statistical   scoring.Result
}

// Combine produces the final decision. A transaction is anomalous when a
// rule flags fraud or the statistical score exceeds its threshold; the
// confidence is the larger of the two detector outputs.
func (p *Processor) Combine(in *DecisionInput) *domain.AnomalyResult {
	confidence := math.Max(in.Rules.Confidence, in.Statistical.Score)

	res := &domain.AnomalyResult{
		TransactionID:    in.TransactionID,
		IsAnomaly:        in.Rules.IsFraud || in.Statistical.Score > p.cfg.StatisticalThreshold,
		Confidence:       confidence,
		Severity:         domain.SeverityFromConfidence(confidence),
		RiskScore:        domain.RiskScoreFromConfidence(confidence),
		RuleConfidence:   in.Rules.Confidence,
		StatisticalScore: in.Statistical.Score,
		Features:         in.Features,
	}

	if len(in.Rules.Triggered) > 0 {
		res.AnomalyType = in.Rules.PrimaryReason
		res.TriggeredRules = make([]string, 0, len(in.Rules.Triggered))
		for _, tr := range in.Rules.Triggered {
			res.TriggeredRules = append(res.TriggeredRules, tr.ID)
		}
	} else {
		res.AnomalyType = p.dominantType(in.Features, in.Profile)
	}

	res.Reasons = mergeReasons(in.Rules.Reasons, in.Statistical.Reasons)
	res.Recommendations = recommendations(res, in, p.cfg.StatisticalThreshold)
	return res
}

// dominantType classifies an anomaly from raw features when no rule fired.
func (p *Processor) dominantType(fv *domain.FeatureVector, prof *domain.BehaviorProfile) domain.AnomalyType {
	switch {
	case fv == nil:
		return domain.AnomalyPattern
	case fv.AmountDeviation > p.cfg.DeviationThreshold:
		return domain.AnomalyAmount
	case fv.TransactionsLastHour > p.cfg.VelocityThreshold:
		return domain.AnomalyFrequency
	case fv.IsNewLocation:
		return domain.AnomalyLocation
	case fv.IsNewMerchant:
		return domain.AnomalyMerchant
	case prof != nil && !prof.KnowsHour(fv.Hour):
		return domain.AnomalyTime
	default:
		return domain.AnomalyPattern
	}
}

// mergeReasons concatenates reason lists, dropping repeats and keeping
// first-seen order.
func mergeReasons(lists ...[]string) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, list := range lists {
		for _, r := range list {
			if _, ok := seen[r]; ok {
				continue
			}
			seen[r] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}

// ShouldAlert returns true if the result should raise an alert.
func ShouldAlert(res *domain.AnomalyResult) bool {
	return res != nil && res.IsAnomaly
}
