// Package rules provides the fraud rule registry and evaluation engine.
// Rules are either built-in Go predicates or CEL expressions compiled at
// runtime over the feature vector and behavior profile.
package rules

import (
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine evaluates every active rule against a feature vector. Evaluation
// reads an immutable registry snapshot, so registry edits never block or
// tear an in-flight evaluation.
type Engine struct {
	mu       sync.Mutex // serializes registry writers
	registry atomic.Pointer[[]Rule]
	env      *cel.Env
	cfg      domain.RulesConfig
}

// NewEngine creates an engine holding rules in registry order. Rules are
// activated unless their id appears in cfg.Disabled.
func NewEngine(cfg domain.RulesConfig, rules []Rule) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("day_of_week", cel.IntType),
		cel.Variable("day_of_month", cel.IntType),
		cel.Variable("is_weekend", cel.BoolType),
		cel.Variable("merchant_rank", cel.IntType),
		cel.Variable("location_rank", cel.IntType),
		cel.Variable("hours_since_last", cel.DoubleType),
		cel.Variable("amount_deviation", cel.DoubleType),
		cel.Variable("is_new_merchant", cel.BoolType),
		cel.Variable("is_new_location", cel.BoolType),
		cel.Variable("transactions_last_hour", cel.IntType),
		cel.Variable("profile_avg", cel.DoubleType),
		cel.Variable("profile_median", cel.DoubleType),
		cel.Variable("profile_stddev", cel.DoubleType),
		cel.Variable("profile_txn_count", cel.IntType),
		cel.Variable("known_hour", cel.BoolType),
		cel.Variable("known_weekday", cel.BoolType),
		cel.Variable("known_day_of_month", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	initial := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if err := r.validate(); err != nil {
			return nil, err
		}
		if slices.ContainsFunc(initial, func(x Rule) bool { return x.ID == r.ID }) {
			return nil, fmt.Errorf("%w: duplicate rule id %s", domain.ErrInvalidInput, r.ID)
		}
		if r.Source == "" {
			r.Source = SourceBuiltin
		}
		r.Active = !slices.Contains(cfg.Disabled, r.ID)
		initial = append(initial, r)
	}

	e := &Engine{env: env, cfg: cfg}
	e.registry.Store(&initial)
	return e, nil
}

// NewDefaultEngine creates an engine with the built-in rule set.
func NewDefaultEngine(cfg domain.RulesConfig) (*Engine, error) {
	return NewEngine(cfg, BuiltinRules(cfg))
}

// Evaluate runs every active rule and aggregates the fired ones. With no
// rule firing the result is not fraud with zero confidence.
func (e *Engine) Evaluate(fv *domain.FeatureVector, p *domain.BehaviorProfile) Result {
	snapshot := *e.registry.Load()

	result := Result{Reasons: []string{}, Triggered: []TriggeredRule{}}
	var maxConf, sum float64

	for i := range snapshot {
		r := &snapshot[i]
		if !r.Active || !r.Predicate(fv, p) {
			continue
		}

		conf := e.confidence(r, fv, p)
		result.Triggered = append(result.Triggered, TriggeredRule{
			ID:          r.ID,
			Description: r.Description,
			Severity:    r.Severity,
			Type:        r.Type,
			Confidence:  conf,
		})
		result.Reasons = append(result.Reasons, r.Description)
		sum += conf

		// Strict comparison keeps the earliest rule on ties.
		if conf > maxConf {
			maxConf = conf
			result.PrimaryReason = r.Type
		}
	}

	if len(result.Triggered) == 0 {
		return result
	}

	mean := sum / float64(len(result.Triggered))
	result.Confidence = clamp01(e.cfg.MaxWeight*maxConf + e.cfg.MeanWeight*mean)
	result.IsFraud = result.Confidence > e.cfg.FraudThreshold
	return result
}

// confidence is the severity base plus a capped bonus for how far the
// observation exceeds the rule's threshold.
func (e *Engine) confidence(r *Rule, fv *domain.FeatureVector, p *domain.BehaviorProfile) float64 {
	conf := e.cfg.Base.For(r.Severity)
	if r.Excess != nil {
		if x := r.Excess(fv, p); x > 1 && !math.IsNaN(x) {
			conf += math.Min(e.cfg.BonusCap, e.cfg.BonusScale*(x-1))
		}
	}
	return clamp01(conf)
}

// Rules lists the registry in evaluation order.
func (e *Engine) Rules() []domain.RuleInfo {
	snapshot := *e.registry.Load()
	out := make([]domain.RuleInfo, 0, len(snapshot))
	for i := range snapshot {
		out = append(out, snapshot[i].info())
	}
	return out
}

// RulesCount returns the number of registered rules, active or not.
func (e *Engine) RulesCount() int {
	return len(*e.registry.Load())
}

// Enable activates a registered rule.
func (e *Engine) Enable(id string) error { return e.setActive(id, true) }

// Disable deactivates a registered rule.
func (e *Engine) Disable(id string) error { return e.setActive(id, false) }

func (e *Engine) setActive(id string, active bool) error {
	return e.update(func(rules []Rule) ([]Rule, error) {
		idx := slices.IndexFunc(rules, func(r Rule) bool { return r.ID == id })
		if idx < 0 {
			return nil, fmt.Errorf("rule %s: %w", id, domain.ErrNotFound)
		}
		rules[idx].Active = active
		return rules, nil
	})
}

// Register adds a rule at the end of the registry, or replaces the rule
// with the same id in place.
func (e *Engine) Register(r Rule) error {
	if err := r.validate(); err != nil {
		return err
	}
	if r.Source == "" {
		r.Source = SourceBuiltin
	}
	return e.update(func(rules []Rule) ([]Rule, error) {
		if idx := slices.IndexFunc(rules, func(x Rule) bool { return x.ID == r.ID }); idx >= 0 {
			rules[idx] = r
			return rules, nil
		}
		return append(rules, r), nil
	})
}

// Remove drops a rule from the registry.
func (e *Engine) Remove(id string) error {
	return e.update(func(rules []Rule) ([]Rule, error) {
		idx := slices.IndexFunc(rules, func(r Rule) bool { return r.ID == id })
		if idx < 0 {
			return nil, fmt.Errorf("rule %s: %w", id, domain.ErrNotFound)
		}
		return slices.Delete(rules, idx, idx+1), nil
	})
}

// update applies fn to a private copy of the registry and publishes it.
func (e *Engine) update(fn func([]Rule) ([]Rule, error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next, err := fn(slices.Clone(*e.registry.Load()))
	if err != nil {
		return err
	}
	e.registry.Store(&next)
	return nil
}

// ValidateRule compiles a rule config without touching the registry.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	_, err := e.Compile(cfg)
	return err
}

// LoadRuleConfig compiles a CEL rule and registers it. Its Enabled flag
// becomes the rule's active state.
func (e *Engine) LoadRuleConfig(cfg *domain.RuleConfig) error {
	r, err := e.Compile(cfg)
	if err != nil {
		return err
	}
	return e.Register(r)
}

// LoadRuleConfigs loads stored CEL rules. Rules that fail to compile are
// logged and skipped so one bad expression cannot block startup.
func (e *Engine) LoadRuleConfigs(configs []*domain.RuleConfig) int {
	loaded := 0
	for _, cfg := range configs {
		if err := e.LoadRuleConfig(cfg); err != nil {
			slog.Warn("skipping stored rule", "rule_id", cfg.ID, "error", err)
			continue
		}
		loaded++
	}
	return loaded
}

// Compile turns a CEL rule config into a Rule. The expression must
// type-check to bool.
func (e *Engine) Compile(cfg *domain.RuleConfig) (Rule, error) {
	if cfg == nil {
		return Rule{}, fmt.Errorf("%w: rule config is required", domain.ErrInvalidInput)
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return Rule{}, fmt.Errorf("%w: failed to compile rule %s: %v", domain.ErrInvalidInput, cfg.ID, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return Rule{}, fmt.Errorf("%w: rule %s: expression must return bool, got %s", domain.ErrInvalidInput, cfg.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return Rule{}, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	id := cfg.ID
	r := Rule{
		ID:          cfg.ID,
		Description: cfg.Description,
		Severity:    cfg.Severity,
		Type:        cfg.Type,
		Active:      cfg.Enabled,
		Source:      SourceCEL,
		Predicate: func(fv *domain.FeatureVector, p *domain.BehaviorProfile) bool {
			out, _, err := program.Eval(activation(fv, p))
			if err != nil {
				slog.Debug("rule evaluation error", "rule_id", id, "error", err)
				return false
			}
			return out == types.True
		},
	}
	if err := r.validate(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

func activation(fv *domain.FeatureVector, p *domain.BehaviorProfile) map[string]any {
	return map[string]any{
		"amount":                 fv.Amount,
		"hour":                   int64(fv.Hour),
		"day_of_week":            int64(fv.DayOfWeek),
		"day_of_month":           int64(fv.DayOfMonth),
		"is_weekend":             fv.IsWeekend,
		"merchant_rank":          int64(fv.MerchantRank),
		"location_rank":          int64(fv.LocationRank),
		"hours_since_last":       fv.HoursSinceLast,
		"amount_deviation":       fv.AmountDeviation,
		"is_new_merchant":        fv.IsNewMerchant,
		"is_new_location":        fv.IsNewLocation,
		"transactions_last_hour": int64(fv.TransactionsLastHour),
		"profile_avg":            p.AverageAmount,
		"profile_median":         p.MedianAmount,
		"profile_stddev":         p.StdDev,
		"profile_txn_count":      int64(p.TransactionCount),
		"known_hour":             p.KnowsHour(fv.Hour),
		"known_weekday":          p.KnowsWeekday(fv.DayOfWeek),
		"known_day_of_month":     p.KnowsDayOfMonth(fv.DayOfMonth),
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
