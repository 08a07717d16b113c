// Package profile builds per-user behavioral baselines from transaction history.
package profile

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Builder computes BehaviorProfiles. It holds no per-user state; profiles
// are derived from history on every call unless a snapshot cache is configured.
type Builder struct {
	store       domain.TransactionStore
	cache       domain.Cache
	cfg         domain.ProfileConfig
	readTimeout time.Duration
	now         func() time.Time
}

// Option configures a Builder.
type Option func(*Builder)

// WithCache enables profile snapshots when cfg.CacheTTL is positive.
func WithCache(c domain.Cache) Option {
	return func(b *Builder) { b.cache = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// WithReadTimeout bounds the history lookup.
func WithReadTimeout(d time.Duration) Option {
	return func(b *Builder) { b.readTimeout = d }
}

// NewBuilder creates a profile builder over the given transaction store.
func NewBuilder(store domain.TransactionStore, cfg domain.ProfileConfig, opts ...Option) *Builder {
	if cfg.HistoryMonths <= 0 {
		cfg.HistoryMonths = 6
	}
	if cfg.TopN <= 0 {
		cfg.TopN = 10
	}
	b := &Builder{
		store: store,
		cfg:   cfg,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BuildProfile returns the user's profile over the trailing history window.
// It never fails: empty history or a lookup error yields the default profile.
func (b *Builder) BuildProfile(ctx context.Context, userID string) *domain.BehaviorProfile {
	if cached := b.loadSnapshot(ctx, userID); cached != nil {
		return cached
	}

	p, err := b.build(ctx, userID, "")
	if err != nil {
		slog.WarnContext(ctx, "profile lookup failed, using default profile",
			"user_id", userID,
			"error", err,
		)
		return domain.DefaultProfile(userID)
	}

	b.saveSnapshot(ctx, p)
	return p
}

// BaselineFor returns the profile a candidate transaction is judged against:
// the trailing history without the candidate itself. When the candidate is
// already stored, as on re-analysis or when ingestion saves it first, the
// profile is rebuilt without it and the snapshot is left untouched.
func (b *Builder) BaselineFor(ctx context.Context, userID string, candidate *domain.Transaction) *domain.BehaviorProfile {
	if candidate == nil || candidate.ID == "" {
		return b.BuildProfile(ctx, userID)
	}
	if stored, err := b.isStored(ctx, userID, candidate); err == nil && !stored {
		return b.BuildProfile(ctx, userID)
	}

	p, err := b.build(ctx, userID, candidate.ID)
	if err != nil {
		slog.WarnContext(ctx, "profile lookup failed, using default profile",
			"user_id", userID,
			"error", err,
		)
		return domain.DefaultProfile(userID)
	}
	return p
}

// isStored reports whether the candidate is already part of the user's history.
func (b *Builder) isStored(ctx context.Context, userID string, candidate *domain.Transaction) (bool, error) {
	readCtx, cancel := b.readContext(ctx)
	defer cancel()

	at := candidate.Timestamp
	all, err := b.store.CountTransactions(readCtx, userID, at, at, "")
	if err != nil {
		return false, err
	}
	if all == 0 {
		return false, nil
	}
	others, err := b.store.CountTransactions(readCtx, userID, at, at, candidate.ID)
	if err != nil {
		return false, err
	}
	return others < all, nil
}

// Refresh rebuilds the profile and overwrites any cached snapshot.
// Unlike BuildProfile it reports lookup errors so jobs can retry them.
func (b *Builder) Refresh(ctx context.Context, userID string) (*domain.BehaviorProfile, error) {
	p, err := b.build(ctx, userID, "")
	if err != nil {
		return nil, err
	}
	b.saveSnapshot(ctx, p)
	return p, nil
}

// Invalidate drops the cached snapshot for a user.
func (b *Builder) Invalidate(ctx context.Context, userID string) {
	if !b.snapshotsEnabled() {
		return
	}
	if err := b.cache.Delete(ctx, userID, cache.ProfileKey); err != nil {
		slog.WarnContext(ctx, "failed to invalidate profile snapshot", "user_id", userID, "error", err)
	}
}

// History returns the transactions the profile is computed from.
func (b *Builder) History(ctx context.Context, userID string) ([]*domain.Transaction, error) {
	now := b.now().UTC()
	from := now.AddDate(0, -b.cfg.HistoryMonths, 0)

	readCtx, cancel := b.readContext(ctx)
	defer cancel()

	txs, err := b.store.ListTransactions(readCtx, userID, from, now.Add(time.Nanosecond))
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return txs, nil
}

func (b *Builder) build(ctx context.Context, userID, excludeID string) (*domain.BehaviorProfile, error) {
	txs, err := b.History(ctx, userID)
	if err != nil {
		return nil, err
	}
	if excludeID != "" {
		kept := txs[:0]
		for _, tx := range txs {
			if tx.ID != excludeID {
				kept = append(kept, tx)
			}
		}
		txs = kept
	}
	return Compute(userID, txs, b.cfg.TopN, b.now().UTC()), nil
}

func (b *Builder) readContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.readTimeout > 0 {
		return context.WithTimeout(ctx, b.readTimeout)
	}
	return ctx, func() {}
}

func (b *Builder) snapshotsEnabled() bool {
	return b.cache != nil && b.cfg.CacheTTL > 0
}

func (b *Builder) loadSnapshot(ctx context.Context, userID string) *domain.BehaviorProfile {
	if !b.snapshotsEnabled() {
		return nil
	}
	p, err := b.cache.GetProfile(ctx, userID)
	if err != nil {
		slog.WarnContext(ctx, "profile snapshot read failed", "user_id", userID, "error", err)
		return nil
	}
	return p
}

func (b *Builder) saveSnapshot(ctx context.Context, p *domain.BehaviorProfile) {
	if !b.snapshotsEnabled() {
		return
	}
	if err := b.cache.SetProfile(ctx, p, b.cfg.CacheTTL); err != nil {
		slog.WarnContext(ctx, "profile snapshot write failed", "user_id", p.UserID, "error", err)
	}
}

// Compute derives a profile from a set of transactions. Empty input yields
// the default profile. Amounts are taken as absolute values and times in UTC.
func Compute(userID string, txs []*domain.Transaction, topN int, now time.Time) *domain.BehaviorProfile {
	if len(txs) == 0 {
		return domain.DefaultProfile(userID)
	}

	amounts := make([]float64, 0, len(txs))
	merchants := make(map[string]int)
	locations := make(map[string]int)
	categories := make(map[string]int)
	hours := make(map[int]struct{})
	weekdays := make(map[int]struct{})
	days := make(map[int]struct{})

	for _, tx := range txs {
		amounts = append(amounts, math.Abs(tx.Amount))

		if m := MerchantToken(tx.Description); m != "" {
			merchants[m]++
		}
		if tx.Location != "" {
			locations[tx.Location]++
		}
		if tx.Category != "" {
			categories[tx.Category]++
		}

		ts := tx.Timestamp.UTC()
		hours[ts.Hour()] = struct{}{}
		weekdays[int(ts.Weekday())] = struct{}{}
		days[ts.Day()] = struct{}{}
	}

	mean, median, stddev := stats(amounts)

	return &domain.BehaviorProfile{
		UserID:            userID,
		AverageAmount:     mean,
		MedianAmount:      median,
		StdDev:            stddev,
		CommonMerchants:   topByFrequency(merchants, topN),
		CommonLocations:   topByFrequency(locations, topN),
		CommonCategories:  topByFrequency(categories, topN),
		ActiveHours:       sortedKeys(hours),
		ActiveWeekdays:    sortedKeys(weekdays),
		ActiveDaysOfMonth: sortedKeys(days),
		TransactionCount:  len(txs),
		LastUpdated:       now,
	}
}

// MerchantToken extracts the merchant identity from a free-text description:
// the first whitespace-delimited word, upper-cased. Punctuation and digits are
// kept as-is, so "AMAZON.COM*123" and "AMAZON" are different merchants.
func MerchantToken(description string) string {
	fields := strings.Fields(description)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}

// stats returns the mean, median and population standard deviation.
func stats(values []float64) (mean, median, stddev float64) {
	n := float64(len(values))
	if n == 0 {
		return 0, 0, 0
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / n

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	stddev = math.Sqrt(sq / n)

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		median = (sorted[mid-1] + sorted[mid]) / 2
	} else {
		median = sorted[mid]
	}

	return mean, median, stddev
}

// topByFrequency ranks keys by count descending, ties broken lexically.
func topByFrequency(counts map[string]int, n int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

func sortedKeys(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
