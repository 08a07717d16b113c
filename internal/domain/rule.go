package domain

import "time"

// RuleConfig is a fraud rule defined at runtime as a CEL expression over
// the feature vector and profile. The expression must evaluate to bool.
//
// Available variables: amount, hour, day_of_week, day_of_month, is_weekend,
// merchant_rank, location_rank, hours_since_last, amount_deviation,
// is_new_merchant, is_new_location, transactions_last_hour, profile_avg,
// profile_median, profile_stddev, profile_txn_count, known_hour, known_weekday.
type RuleConfig struct {
	ID          string      `json:"id" validate:"required,max=64"`
	Description string      `json:"description" validate:"required,max=256"`
	Expression  string      `json:"expression" validate:"required"`
	Severity    Severity    `json:"severity" validate:"required,oneof=low medium high critical"`
	Type        AnomalyType `json:"anomalyType" validate:"required,oneof=amount frequency location merchant time pattern"`
	Enabled     bool        `json:"enabled"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// RuleInfo describes a registered rule for listings.
type RuleInfo struct {
	ID          string      `json:"id"`
	Description string      `json:"description"`
	Severity    Severity    `json:"severity"`
	Type        AnomalyType `json:"anomalyType"`
	Active      bool        `json:"active"`
	Source      string      `json:"source"` // builtin or cel
}
