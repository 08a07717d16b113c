package profile

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "profile.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

type failingStore struct {
	domain.TransactionStore
}

func (failingStore) ListTransactions(context.Context, string, time.Time, time.Time) ([]*domain.Transaction, error) {
	return nil, errors.New("connection reset by peer")
}

func TestMerchantToken(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Tesco Superstore London", "TESCO"},
		{"  amazon.com*12AB  Seattle", "AMAZON.COM*12AB"},
		{"", ""},
		{"   ", ""},
		{"uber", "UBER"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, MerchantToken(tt.in))
		})
	}
}

func TestCompute(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	txs := []*domain.Transaction{
		{Amount: -10, Description: "Tesco store", Location: "London", Category: "groceries", Timestamp: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		{Amount: 20, Description: "TESCO express", Location: "London", Category: "groceries", Timestamp: time.Date(2026, 3, 3, 9, 30, 0, 0, time.UTC)},
		{Amount: 30, Description: "Amazon", Location: "Online", Category: "shopping", Timestamp: time.Date(2026, 3, 7, 18, 0, 0, 0, time.UTC)},
		{Amount: 40, Description: "Boots", Location: "Leeds", Timestamp: time.Date(2026, 3, 8, 18, 0, 0, 0, time.UTC)},
	}

	p := Compute("u1", txs, 10, now)

	assert.Equal(t, 25.0, p.AverageAmount, "amounts are absolute")
	assert.Equal(t, 25.0, p.MedianAmount)
	assert.InDelta(t, 11.1803, p.StdDev, 0.0001, "population stddev")
	assert.Equal(t, []string{"TESCO", "AMAZON", "BOOTS"}, p.CommonMerchants)
	assert.Equal(t, []string{"London", "Leeds", "Online"}, p.CommonLocations)
	assert.Equal(t, []string{"groceries", "shopping"}, p.CommonCategories)
	assert.Equal(t, []int{9, 18}, p.ActiveHours)
	assert.Equal(t, []int{0, 1, 2, 6}, p.ActiveWeekdays)
	assert.Equal(t, []int{2, 3, 7, 8}, p.ActiveDaysOfMonth)
	assert.Equal(t, 4, p.TransactionCount)
	assert.False(t, p.IsDefault)
	assert.Equal(t, now, p.LastUpdated)
}

func TestComputeTopN(t *testing.T) {
	var txs []*domain.Transaction
	for i := 0; i < 15; i++ {
		for j := 0; j <= i; j++ {
			txs = append(txs, &domain.Transaction{
				Amount:      10,
				Description: fmt.Sprintf("M%02d purchase", i),
				Timestamp:   time.Now(),
			})
		}
	}

	p := Compute("u1", txs, 10, time.Now())

	require.Len(t, p.CommonMerchants, 10)
	assert.Equal(t, "M14", p.CommonMerchants[0], "most frequent first")
	assert.Equal(t, "M05", p.CommonMerchants[9])
	assert.Zero(t, p.StdDev)
}

func TestBuildProfile(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("EmptyHistoryReturnsDefault", func(t *testing.T) {
		b := NewBuilder(newTestRepo(t), domain.ProfileConfig{}, WithClock(func() time.Time { return now }))
		p := b.BuildProfile(ctx, "nobody")

		assert.True(t, p.IsDefault)
		assert.Equal(t, 100.0, p.AverageAmount)
		assert.Equal(t, 50.0, p.StdDev)
		assert.Len(t, p.ActiveHours, 24)
		assert.Len(t, p.ActiveWeekdays, 7)
	})

	t.Run("LookupErrorReturnsDefault", func(t *testing.T) {
		b := NewBuilder(failingStore{}, domain.ProfileConfig{})
		p := b.BuildProfile(ctx, "u1")
		assert.True(t, p.IsDefault)

		_, err := b.Refresh(ctx, "u1")
		assert.Error(t, err)
	})

	t.Run("TrailingSixMonthsOnly", func(t *testing.T) {
		repo := newTestRepo(t)
		seed := []*domain.Transaction{
			{ID: "old", UserID: "u1", Amount: 9999, Description: "Old shop", Timestamp: now.AddDate(0, -7, 0)},
			{ID: "t1", UserID: "u1", Amount: 50, Description: "Cafe one", Timestamp: now.AddDate(0, -1, 0)},
			{ID: "t2", UserID: "u1", Amount: 150, Description: "Cafe two", Timestamp: now.AddDate(0, 0, -2)},
		}
		for _, tx := range seed {
			require.NoError(t, repo.SaveTransaction(ctx, tx))
		}

		b := NewBuilder(repo, domain.ProfileConfig{}, WithClock(func() time.Time { return now }))
		p := b.BuildProfile(ctx, "u1")

		assert.False(t, p.IsDefault)
		assert.Equal(t, 2, p.TransactionCount)
		assert.Equal(t, 100.0, p.AverageAmount)
		assert.Equal(t, []string{"CAFE"}, p.CommonMerchants)
	})

	t.Run("SnapshotCache", func(t *testing.T) {
		repo := newTestRepo(t)
		lru := cache.NewLRUCache(100)
		b := NewBuilder(repo, domain.ProfileConfig{CacheTTL: time.Minute},
			WithCache(lru),
			WithClock(func() time.Time { return now }),
		)

		first := b.BuildProfile(ctx, "u1")
		assert.True(t, first.IsDefault)

		require.NoError(t, repo.SaveTransaction(ctx, &domain.Transaction{
			ID: "t1", UserID: "u1", Amount: 40, Description: "Shop", Timestamp: now.Add(-time.Hour),
		}))

		cached := b.BuildProfile(ctx, "u1")
		assert.True(t, cached.IsDefault, "snapshot served until refreshed")

		refreshed, err := b.Refresh(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 40.0, refreshed.AverageAmount)
		assert.Equal(t, 40.0, b.BuildProfile(ctx, "u1").AverageAmount)

		b.Invalidate(ctx, "u1")
		got, err := lru.GetProfile(ctx, "u1")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("BaselineExcludesStoredCandidate", func(t *testing.T) {
		repo := newTestRepo(t)
		lru := cache.NewLRUCache(100)
		b := NewBuilder(repo, domain.ProfileConfig{CacheTTL: time.Minute},
			WithCache(lru),
			WithClock(func() time.Time { return now }),
		)
		for i, amount := range []float64{50, 150} {
			require.NoError(t, repo.SaveTransaction(ctx, &domain.Transaction{
				ID: fmt.Sprintf("h%d", i), UserID: "u1", Amount: amount,
				Description: "Cafe", Location: "London", Timestamp: now.AddDate(0, 0, -(i + 1)),
			}))
		}
		candidate := &domain.Transaction{
			ID: "big", UserID: "u1", Amount: 5000,
			Description: "Electro world", Location: "Lagos", Timestamp: now.Add(-time.Hour),
		}

		before := b.BaselineFor(ctx, "u1", candidate)
		assert.Equal(t, 100.0, before.AverageAmount)

		require.NoError(t, repo.SaveTransaction(ctx, candidate))
		_, err := b.Refresh(ctx, "u1")
		require.NoError(t, err)

		after := b.BaselineFor(ctx, "u1", candidate)
		assert.Equal(t, before.AverageAmount, after.AverageAmount)
		assert.Equal(t, before.StdDev, after.StdDev)
		assert.Equal(t, 2, after.TransactionCount)
		assert.Zero(t, after.MerchantRank("ELECTRO"))
		assert.Zero(t, after.LocationRank("Lagos"))

		other := &domain.Transaction{ID: "next", UserID: "u1", Amount: 20, Timestamp: now}
		assert.Equal(t, 3, b.BaselineFor(ctx, "u1", other).TransactionCount, "stored history serves other candidates")
	})
}
