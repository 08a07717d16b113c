package tadp

import (
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

var typeAdvice = map[domain.AnomalyType]string{
	domain.AnomalyAmount:    "Verify this purchase amount with the account holder",
	domain.AnomalyFrequency: "Review recent transactions for unauthorized repeated charges",
	domain.AnomalyLocation:  "Confirm the transaction location matches the cardholder's whereabouts",
	domain.AnomalyMerchant:  "Confirm the merchant is known to the account holder",
	domain.AnomalyTime:      "Check whether the account holder was active at this time",
	domain.AnomalyPattern:   "Review the account for a wider pattern of suspicious activity",
}

var ruleAdvice = map[string]string{
	rules.RuleCardTesting:          "Consider blocking the card: small repeated charges suggest card testing",
	rules.RuleVelocityBurst:        "Consider temporarily limiting transaction velocity on this account",
	rules.RuleDormantReactivation:  "Confirm the account owner reactivated this account",
	rules.RuleMultiFactorDeviation: "Escalate for manual review",
}

var indicatorAdvice = map[string]string{
	scoring.IndicatorNewLocation: "Enable location-based notifications for new spending locations",
	scoring.IndicatorNewMerchant: "Enable notifications for first purchases at new merchants",
}

// recommendations builds advisory strings for a decision. Non-anomalous
// results get none.
func recommendations(res *domain.AnomalyResult, in *DecisionInput, statThreshold float64) []string {
	out := []string{}
	if !res.IsAnomaly {
		return out
	}

	add := func(s string) {
		for _, existing := range out {
			if existing == s {
				return
			}
		}
		out = append(out, s)
	}

	if res.Severity == domain.SeverityCritical {
		add("Temporarily freeze the card until the transaction is confirmed")
	}
	if len(in.Rules.Triggered) > 0 {
		add("Verify this transaction with your bank")
	}
	if in.Statistical.Score > statThreshold {
		add("Monitor the account closely for further unusual activity")
	}
	if advice, ok := typeAdvice[res.AnomalyType]; ok {
		add(advice)
	}
	for _, tr := range in.Rules.Triggered {
		if advice, ok := ruleAdvice[tr.ID]; ok {
			add(advice)
		}
	}
	for _, ind := range in.Statistical.Indicators {
		if advice, ok := indicatorAdvice[ind.Name]; ok {
			add(advice)
		}
	}
	return out
}
