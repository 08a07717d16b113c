package domain

import "time"

// AlertType classifies an alert.
type AlertType string

const (
	AlertFraudDetection  AlertType = "fraud_detection"
	AlertUnusualSpending AlertType = "unusual_spending"
	AlertGoalRisk        AlertType = "goal_risk"
	AlertAccountSecurity AlertType = "account_security"
)

// Alert is a persisted, user-scoped record of a detected condition.
// It is only mutated by acknowledgement and removed by the retention sweep.
type Alert struct {
	ID             string         `json:"id"`
	UserID         string         `json:"userId"`
	TransactionID  string         `json:"transactionId,omitempty"`
	Type           AlertType      `json:"type"`
	Severity       Severity       `json:"severity"`
	Title          string         `json:"title"`
	Message        string         `json:"message"`
	Details        map[string]any `json:"details,omitempty"`
	Acknowledged   bool           `json:"acknowledged"`
	AcknowledgedAt *time.Time     `json:"acknowledgedAt,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`

	// DedupKey makes creation idempotent when set: a second insert with the
	// same user and key returns the first alert.
	DedupKey string `json:"-"`
}

// AlertFilter narrows alert listings. Zero values mean "no filter".
type AlertFilter struct {
	Types          []AlertType
	MinSeverity    Severity
	Since          time.Time
	Unacknowledged bool
	Limit          int
}

// AlertStats summarizes stored alerts for monitoring.
type AlertStats struct {
	Total          int              `json:"total"`
	Unacknowledged int              `json:"unacknowledged"`
	BySeverity     map[Severity]int `json:"bySeverity"`
	Last24h        int              `json:"last24h"`
}
