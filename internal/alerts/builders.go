package alerts

import (
	"fmt"
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// dayBucket is the dedup bucket for periodic sweeps: one alert per subject
// per UTC day.
func dayBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// FromAnomaly builds an alert for an anomalous transaction. High and
// critical anomalies are fraud alerts; the rest are unusual spending.
func FromAnomaly(userID string, txn *domain.Transaction, res *domain.AnomalyResult) Input {
	alertType := domain.AlertUnusualSpending
	title := "Unusual spending detected"
	if res.Severity.Rank() >= domain.SeverityHigh.Rank() {
		alertType = domain.AlertFraudDetection
		title = "Possible fraudulent transaction"
	}

	msg := fmt.Sprintf("A %s anomaly was detected", res.AnomalyType)
	if txn != nil {
		msg = fmt.Sprintf("A transaction of %.2f %s looks unusual (%s)", math.Abs(txn.Amount), txn.Currency, res.AnomalyType)
		if txn.Description != "" {
			msg += " at " + txn.Description
		}
	}

	in := Input{
		UserID:   userID,
		Type:     alertType,
		Severity: res.Severity,
		Title:    title,
		Message:  msg,
		Details: map[string]any{
			"confidence":      res.Confidence,
			"riskScore":       res.RiskScore,
			"anomalyType":     res.AnomalyType,
			"reasons":         res.Reasons,
			"recommendations": res.Recommendations,
		},
	}
	if txn != nil {
		in.TransactionID = txn.ID
		in.Details["amount"] = txn.Amount
		if txn.ID != "" {
			in.DedupKey = "txn:" + txn.ID
		}
	}
	return in
}

// FromGoalRisk builds an alert for a goal whose savings lag its timeline.
func FromGoalRisk(goal *domain.Goal, timeProgress, amountProgress float64, severity domain.Severity, now time.Time) Input {
	return Input{
		UserID:   goal.UserID,
		Type:     domain.AlertGoalRisk,
		Severity: severity,
		Title:    fmt.Sprintf("Goal %q is falling behind", goal.Name),
		Message: fmt.Sprintf("%.0f%% of the time to %s has passed but only %.0f%% of the target is saved",
			timeProgress*100, goal.TargetDate.UTC().Format("2006-01-02"), amountProgress*100),
		Details: map[string]any{
			"goalId":         goal.ID,
			"timeProgress":   timeProgress,
			"amountProgress": amountProgress,
			"targetAmount":   goal.TargetAmount,
			"currentAmount":  goal.CurrentAmount,
			"targetDate":     goal.TargetDate.UTC(),
		},
		DedupKey: fmt.Sprintf("goal:%s:%s:%s", goal.ID, severity, dayBucket(now)),
	}
}

// FromAccountAnomaly builds an account-security alert for a suspicious
// activity pattern. accountID may be empty for user-wide patterns. bucket
// names the activity the alert reports, such as the busy day or the newest
// flagged transaction, so re-running a sweep over the same activity
// resolves to the same alert.
func FromAccountAnomaly(userID, accountID, pattern string, severity domain.Severity, message string, details map[string]any, bucket string) Input {
	if details == nil {
		details = map[string]any{}
	}
	details["pattern"] = pattern
	if accountID != "" {
		details["accountId"] = accountID
	}

	subject := accountID
	if subject == "" {
		subject = "user"
	}
	return Input{
		UserID:   userID,
		Type:     domain.AlertAccountSecurity,
		Severity: severity,
		Title:    "Suspicious account activity",
		Message:  message,
		Details:  details,
		DedupKey: fmt.Sprintf("account:%s:%s:%s", subject, pattern, bucket),
	}
}
