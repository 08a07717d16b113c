package domain

import "math"

// Severity grades how serious a detected condition is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Confidence thresholds for deriving a severity.
const (
	CriticalConfidence = 0.9
	HighConfidence     = 0.7
	MediumConfidence   = 0.5
)

// SeverityFromConfidence maps a confidence in [0,1] onto a severity.
// Thresholds are inclusive: 0.9 is critical, 0.7 high, 0.5 medium.
func SeverityFromConfidence(confidence float64) Severity {
	switch {
	case confidence >= CriticalConfidence:
		return SeverityCritical
	case confidence >= HighConfidence:
		return SeverityHigh
	case confidence >= MediumConfidence:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Rank orders severities, low=1 through critical=4. Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// AnomalyType classifies the dominant signal behind an anomaly.
type AnomalyType string

const (
	AnomalyAmount    AnomalyType = "amount"
	AnomalyFrequency AnomalyType = "frequency"
	AnomalyLocation  AnomalyType = "location"
	AnomalyMerchant  AnomalyType = "merchant"
	AnomalyTime      AnomalyType = "time"
	AnomalyPattern   AnomalyType = "pattern"
)

// AnomalyResult is the outcome of analyzing one transaction.
// It is not persisted; it feeds alert creation and the API response.
type AnomalyResult struct {
	TransactionID   string      `json:"transactionId,omitempty"`
	IsAnomaly       bool        `json:"isAnomaly"`
	Confidence      float64     `json:"confidence"`
	Severity        Severity    `json:"severity"`
	AnomalyType     AnomalyType `json:"anomalyType"`
	Reasons         []string    `json:"reasons"`
	RiskScore       int         `json:"riskScore"`
	Recommendations []string    `json:"recommendations"`

	// Detector breakdown
	RuleConfidence   float64  `json:"ruleConfidence"`
	StatisticalScore float64  `json:"statisticalScore"`
	TriggeredRules   []string `json:"triggeredRules,omitempty"`

	Features *FeatureVector `json:"features,omitempty"`
}

// RiskScoreFromConfidence converts a confidence into a 0-100 risk score.
func RiskScoreFromConfidence(confidence float64) int {
	return int(math.Round(confidence * 100))
}

// RiskScore is a user's multi-dimensional exposure, each component 0-100.
type RiskScore struct {
	UserID      string `json:"userId"`
	Transaction int    `json:"transactionRisk"`
	Behavior    int    `json:"behaviorRisk"`
	Account     int    `json:"accountRisk"`
	Time        int    `json:"timeRisk"`
	Location    int    `json:"locationRisk"`
	Overall     int    `json:"overallRisk"`
}
