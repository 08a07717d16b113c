package rules

import (
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Built-in rule ids.
const (
	RuleAmountExtreme        = "amount-extreme"
	RuleAmountSpike          = "amount-spike"
	RuleVelocityBurst        = "velocity-burst"
	RuleVelocityRapid        = "velocity-rapid"
	RuleNewLocationLarge     = "new-location-large"
	RuleOffHoursLarge        = "off-hours-large"
	RuleNewMerchantLarge     = "new-merchant-large"
	RuleCardTesting          = "card-testing"
	RuleMultiFactorDeviation = "multi-factor-deviation"
	RuleWeekendUnusual       = "weekend-unusual"
	RuleDormantReactivation  = "dormant-reactivation"
)

// BuiltinRules returns the reference rule set parameterized by cfg, in
// registry order.
func BuiltinRules(cfg domain.RulesConfig) []Rule {
	return []Rule{
		{
			ID:          RuleAmountExtreme,
			Description: "Amount is far above the usual spend and more than 3 standard deviations out",
			Severity:    domain.SeverityCritical,
			Type:        domain.AnomalyAmount,
			Predicate: func(fv *domain.FeatureVector, p *domain.BehaviorProfile) bool {
				return fv.Amount > cfg.AmountExtremeMultiplier*p.AverageAmount &&
					fv.AmountDeviation > cfg.AmountExtremeDeviation
			},
			Excess: func(fv *domain.FeatureVector, p *domain.BehaviorProfile) float64 {
				return ratio(fv.Amount, cfg.AmountExtremeMultiplier*p.AverageAmount)
			},
		},
		{
			ID:          RuleAmountSpike,
			Description: "Amount is well above the usual spend",
			Severity:    domain.SeverityHigh,
			Type:        domain.AnomalyAmount,
			Predicate: func(fv *domain.FeatureVector, p *domain.BehaviorProfile) bool {
				return fv.Amount > cfg.AmountSpikeMultiplier*p.AverageAmount &&
					fv.AmountDeviation > cfg.AmountSpikeDeviation
			},
			Excess: func(fv *domain.FeatureVector, p *domain.BehaviorProfile) float64 {
				return ratio(fv.Amount, cfg.AmountSpikeMultiplier*p.AverageAmount)
			},
		},
		{
			ID:          RuleVelocityBurst,
			Description: "Unusually many transactions within the last hour",
			Severity:    domain.SeverityHigh,
			Type:        domain.AnomalyFrequency,
			Predicate: func(fv *domain.FeatureVector, _ *domain.BehaviorProfile) bool {
				return fv.TransactionsLastHour > cfg.VelocityBurstCount
			},
			Excess: func(fv *domain.FeatureVector, _ *domain.BehaviorProfile) float64 {
				return ratio(float64(fv.TransactionsLastHour), float64(cfg.VelocityBurstCount))
			},
		},
		{
			ID:          RuleVelocityRapid,
			Description: "Several transactions in quick succession",
			Severity:    domain.SeverityHigh,
			Type:        domain.AnomalyFrequency,
			Predicate: func(fv *domain.FeatureVector, _ *domain.BehaviorProfile) bool {
				return fv.TransactionsLastHour > cfg.VelocityRapidCount &&
					fv.HoursSinceLast < cfg.VelocityRapidGapHours
			},
			Excess: func(fv *domain.FeatureVector, _ *domain.BehaviorProfile) float64 {
				return ratio(float64(fv.TransactionsLastHour), float64(cfg.VelocityRapidCount))
			},
		},
		{
			ID:          RuleNewLocationLarge,
			Description: "Large transaction from a location not seen before",
			Severity:    domain.SeverityHigh,
			Type:        domain.AnomalyLocation,
			Predicate: func(fv *domain.FeatureVector, p *domain.BehaviorProfile) bool {
				return fv.IsNewLocation && fv.Amount > cfg.NewLocationMultiplier*p.AverageAmount
			},
			Excess: func(fv *domain.FeatureVector, p *domain.BehaviorProfile) float64 {
				return ratio(fv.Amount, cfg.NewLocationMultiplier*p.AverageAmount)
			},
		},
		{
			ID:          RuleOffHoursLarge,
			Description: "Larger than usual transaction at an hour the user is normally inactive",
			Severity:    domain.SeverityMedium,
			Type:        domain.AnomalyTime,
			Predicate: func(fv *domain.FeatureVector, p *domain.BehaviorProfile) bool {
				return !p.KnowsHour(fv.Hour) && fv.Amount > cfg.OffHoursMultiplier*p.AverageAmount
			},
			Excess: func(fv *domain.FeatureVector, p *domain.BehaviorProfile) float64 {
				return ratio(fv.Amount, cfg.OffHoursMultiplier*p.AverageAmount)
			},
		},
		{
			ID:          RuleNewMerchantLarge,
			Description: "Large transaction with a merchant not seen before",
			Severity:    domain.SeverityMedium,
			Type:        domain.AnomalyMerchant,
			Predicate: func(fv *domain.FeatureVector, p *domain.BehaviorProfile) bool {
				return fv.IsNewMerchant && fv.Amount > cfg.NewMerchantMultiplier*p.AverageAmount
			},
			Excess: func(fv *domain.FeatureVector, p *domain.BehaviorProfile) float64 {
				return ratio(fv.Amount, cfg.NewMerchantMultiplier*p.AverageAmount)
			},
		},
		{
			ID:          RuleCardTesting,
			Description: "Repeated small round-number charges typical of card testing",
			Severity:    domain.SeverityHigh,
			Type:        domain.AnomalyPattern,
			Predicate: func(fv *domain.FeatureVector, _ *domain.BehaviorProfile) bool {
				return fv.Amount > 0 &&
					fv.Amount < cfg.CardTestingMaxAmount &&
					IsWholeAmount(fv.Amount) &&
					fv.TransactionsLastHour >= cfg.CardTestingMinVelocity
			},
			Excess: func(fv *domain.FeatureVector, _ *domain.BehaviorProfile) float64 {
				return ratio(float64(fv.TransactionsLastHour), float64(cfg.CardTestingMinVelocity))
			},
		},
		{
			ID:          RuleMultiFactorDeviation,
			Description: "Extreme amount deviation combined with an unfamiliar merchant or location at an unusual hour",
			Severity:    domain.SeverityCritical,
			Type:        domain.AnomalyPattern,
			Predicate: func(fv *domain.FeatureVector, p *domain.BehaviorProfile) bool {
				return fv.AmountDeviation > cfg.MultiFactorDeviation &&
					(fv.IsNewMerchant || fv.IsNewLocation) &&
					!p.KnowsHour(fv.Hour)
			},
			Excess: func(fv *domain.FeatureVector, _ *domain.BehaviorProfile) float64 {
				return ratio(fv.AmountDeviation, cfg.MultiFactorDeviation)
			},
		},
		{
			ID:          RuleWeekendUnusual,
			Description: "Large weekend transaction for a user who does not usually spend on this day",
			Severity:    domain.SeverityLow,
			Type:        domain.AnomalyTime,
			Predicate: func(fv *domain.FeatureVector, p *domain.BehaviorProfile) bool {
				return fv.IsWeekend &&
					!p.KnowsWeekday(fv.DayOfWeek) &&
					fv.Amount > cfg.WeekendMultiplier*p.AverageAmount
			},
			Excess: func(fv *domain.FeatureVector, p *domain.BehaviorProfile) float64 {
				return ratio(fv.Amount, cfg.WeekendMultiplier*p.AverageAmount)
			},
		},
		{
			ID:          RuleDormantReactivation,
			Description: "Large transaction after a long period of inactivity",
			Severity:    domain.SeverityMedium,
			Type:        domain.AnomalyPattern,
			Predicate: func(fv *domain.FeatureVector, p *domain.BehaviorProfile) bool {
				return fv.HoursSinceLast > cfg.DormantHours &&
					fv.Amount > cfg.DormantMultiplier*p.AverageAmount
			},
			Excess: func(fv *domain.FeatureVector, _ *domain.BehaviorProfile) float64 {
				return ratio(fv.HoursSinceLast, cfg.DormantHours)
			},
		},
	}
}

// IsWholeAmount reports whether amount has no fractional minor units.
func IsWholeAmount(amount float64) bool {
	return decimal.NewFromFloat(amount).IsInteger()
}
