package domain

import (
	"time"
)

// Transaction is a single financial transaction ingested from a linked account.
type Transaction struct {
	ID        string `json:"id" validate:"omitempty,max=128"`
	UserID    string `json:"userId"`
	AccountID string `json:"accountId,omitempty"`

	// Financial details
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency,omitempty" validate:"omitempty,len=3"`

	// Free-text details as provided by the bank feed
	Description string `json:"description,omitempty" validate:"max=512"`
	Category    string `json:"category,omitempty" validate:"max=128"`
	Location    string `json:"location,omitempty" validate:"max=256"`

	// Temporal
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`
}

// Account is a linked bank account.
type Account struct {
	ID           string     `json:"id"`
	UserID       string     `json:"userId"`
	Name         string     `json:"name"`
	Provider     string     `json:"provider,omitempty"`
	LastSyncedAt *time.Time `json:"lastSyncedAt,omitempty"`
	SyncError    string     `json:"syncError,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// IsStale reports whether the account has not synced since the cutoff.
// Accounts that never synced are stale.
func (a *Account) IsStale(cutoff time.Time) bool {
	return a.LastSyncedAt == nil || a.LastSyncedAt.Before(cutoff)
}

// GoalStatus is the lifecycle state of a savings goal.
type GoalStatus string

const (
	GoalActive    GoalStatus = "active"
	GoalCompleted GoalStatus = "completed"
	GoalCancelled GoalStatus = "cancelled"
)

// Goal is a user savings goal with a target amount and date.
type Goal struct {
	ID            string     `json:"id"`
	UserID        string     `json:"userId"`
	Name          string     `json:"name"`
	TargetAmount  float64    `json:"targetAmount"`
	CurrentAmount float64    `json:"currentAmount"`
	StartDate     time.Time  `json:"startDate"`
	TargetDate    time.Time  `json:"targetDate"`
	Status        GoalStatus `json:"status"`
}

// Progress returns the elapsed fraction of the goal timeline and the saved
// fraction of the target amount, both clamped to [0,1].
func (g *Goal) Progress(now time.Time) (timeProgress, amountProgress float64) {
	total := g.TargetDate.Sub(g.StartDate)
	if total > 0 {
		timeProgress = clamp01(float64(now.Sub(g.StartDate)) / float64(total))
	}
	if g.TargetAmount > 0 {
		amountProgress = clamp01(g.CurrentAmount / g.TargetAmount)
	}
	return timeProgress, amountProgress
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
