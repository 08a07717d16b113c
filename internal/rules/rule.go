package rules

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Rule sources.
const (
	SourceBuiltin = "builtin"
	SourceCEL     = "cel"
)

// Predicate decides whether a rule fires for a feature vector and profile.
type Predicate func(fv *domain.FeatureVector, p *domain.BehaviorProfile) bool

// Excess reports how far the observation overshoots the rule's threshold as
// observed/threshold. Values at or below 1 earn no confidence bonus.
type Excess func(fv *domain.FeatureVector, p *domain.BehaviorProfile) float64

// Rule is a data-described fraud rule. Rules are independent and stateless.
type Rule struct {
	ID          string
	Description string
	Severity    domain.Severity
	Type        domain.AnomalyType
	Active      bool
	Source      string

	Predicate Predicate
	Excess    Excess // optional
}

func (r *Rule) validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: rule id is required", domain.ErrInvalidInput)
	}
	if r.Predicate == nil {
		return fmt.Errorf("%w: rule %s has no predicate", domain.ErrInvalidInput, r.ID)
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("%w: rule %s has unknown severity %q", domain.ErrInvalidInput, r.ID, r.Severity)
	}
	return nil
}

func (r *Rule) info() domain.RuleInfo {
	return domain.RuleInfo{
		ID:          r.ID,
		Description: r.Description,
		Severity:    r.Severity,
		Type:        r.Type,
		Active:      r.Active,
		Source:      r.Source,
	}
}

// TriggeredRule is one fired rule with its adjusted confidence.
type TriggeredRule struct {
	ID          string             `json:"id"`
	Description string             `json:"description"`
	Severity    domain.Severity    `json:"severity"`
	Type        domain.AnomalyType `json:"anomalyType"`
	Confidence  float64            `json:"confidence"`
}

// Result is the aggregated outcome of evaluating every active rule.
type Result struct {
	IsFraud       bool               `json:"isFraud"`
	Confidence    float64            `json:"confidence"`
	PrimaryReason domain.AnomalyType `json:"primaryReason,omitempty"`
	Reasons       []string           `json:"reasons"`
	Triggered     []TriggeredRule    `json:"triggered"`
}

// ratio returns observed/threshold, or 1 when the threshold is not positive.
func ratio(observed, threshold float64) float64 {
	if threshold <= 0 {
		return 1
	}
	return observed / threshold
}
