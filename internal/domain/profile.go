package domain

import "time"

// Default profile values used when a user has no transaction history.
const (
	DefaultProfileAverage = 100.0
	DefaultProfileStdDev  = 50.0
)

// BehaviorProfile is a statistical summary of a user's historical
// transactions. It is a derived read model rebuilt from history on demand.
type BehaviorProfile struct {
	UserID string `json:"userId"`

	AverageAmount float64 `json:"averageAmount"`
	MedianAmount  float64 `json:"medianAmount"`
	StdDev        float64 `json:"stdDev"`

	// Frequency ranked, most common first.
	CommonMerchants  []string `json:"commonMerchants"`
	CommonLocations  []string `json:"commonLocations"`
	CommonCategories []string `json:"commonCategories"`

	// Sets of values observed in history, kept sorted ascending.
	ActiveHours       []int `json:"activeHours"`
	ActiveWeekdays    []int `json:"activeWeekdays"`
	ActiveDaysOfMonth []int `json:"activeDaysOfMonth"`

	TransactionCount int       `json:"transactionCount"`
	IsDefault        bool      `json:"isDefault"`
	LastUpdated      time.Time `json:"lastUpdated"`
}

// DefaultProfile returns the fixed baseline for a user without history.
// It covers the full day, week and month so no time-based signal fires.
func DefaultProfile(userID string) *BehaviorProfile {
	return &BehaviorProfile{
		UserID:            userID,
		AverageAmount:     DefaultProfileAverage,
		MedianAmount:      DefaultProfileAverage,
		StdDev:            DefaultProfileStdDev,
		CommonMerchants:   []string{},
		CommonLocations:   []string{},
		CommonCategories:  []string{},
		ActiveHours:       intRange(0, 23),
		ActiveWeekdays:    intRange(0, 6),
		ActiveDaysOfMonth: intRange(1, 31),
		IsDefault:         true,
		LastUpdated:       time.Now().UTC(),
	}
}

// MerchantRank returns the 1-based rank of merchant among the common
// merchants, or 0 when it has not been seen.
func (p *BehaviorProfile) MerchantRank(merchant string) int {
	return rankOf(p.CommonMerchants, merchant)
}

// LocationRank returns the 1-based rank of location among the common
// locations, or 0 when it has not been seen.
func (p *BehaviorProfile) LocationRank(location string) int {
	return rankOf(p.CommonLocations, location)
}

// KnowsHour reports whether the user has transacted at this hour before.
func (p *BehaviorProfile) KnowsHour(hour int) bool {
	return containsInt(p.ActiveHours, hour)
}

// KnowsWeekday reports whether the user has transacted on this weekday before.
func (p *BehaviorProfile) KnowsWeekday(weekday int) bool {
	return containsInt(p.ActiveWeekdays, weekday)
}

// KnowsDayOfMonth reports whether the user has transacted on this day of the month before.
func (p *BehaviorProfile) KnowsDayOfMonth(day int) bool {
	return containsInt(p.ActiveDaysOfMonth, day)
}

// FeatureVector is the flat set of signals derived from one candidate
// transaction and the user's profile.
type FeatureVector struct {
	Amount               float64 `json:"amount"`
	Hour                 int     `json:"hour"`
	DayOfWeek            int     `json:"dayOfWeek"`
	DayOfMonth           int     `json:"dayOfMonth"`
	IsWeekend            bool    `json:"isWeekend"`
	MerchantRank         int     `json:"merchantRank"`
	LocationRank         int     `json:"locationRank"`
	HoursSinceLast       float64 `json:"hoursSinceLast"`
	AmountDeviation      float64 `json:"amountDeviation"`
	IsNewMerchant        bool    `json:"isNewMerchant"`
	IsNewLocation        bool    `json:"isNewLocation"`
	TransactionsLastHour int     `json:"transactionsLastHour"`
}

func rankOf(list []string, v string) int {
	if v == "" {
		return 0
	}
	for i, item := range list {
		if item == v {
			return i + 1
		}
	}
	return 0
}

func containsInt(list []int, v int) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func intRange(from, to int) []int {
	out := make([]int, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}
