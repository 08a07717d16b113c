package velocity

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func TestVelocityService(t *testing.T) {
	// Create temp database
	tmpFile, err := os.CreateTemp("", "velocity-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	svc := NewService(repo, time.Second)

	ctx := context.Background()
	now := time.Date(2026, 4, 1, 15, 0, 0, 0, time.UTC)

	t.Run("EmptyHistory", func(t *testing.T) {
		count, err := svc.CountInWindow(ctx, "user-001", now, DefaultWindow, "candidate")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 1 {
			t.Errorf("expected only the candidate to be counted, got %d", count)
		}

		_, found, err := svc.HoursSinceLast(ctx, "user-001", now, "candidate")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if found {
			t.Error("expected no previous transaction")
		}
	})

	t.Run("WithTransactions", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			tx := &domain.Transaction{
				ID:          fmt.Sprintf("tx-%d", i),
				UserID:      "user-001",
				Amount:      100.0,
				Description: "Corner shop",
				Timestamp:   now.Add(-time.Duration(10*(i+1)) * time.Minute),
			}
			if err := repo.SaveTransaction(ctx, tx); err != nil {
				t.Fatalf("failed to save transaction: %v", err)
			}
		}
		old := &domain.Transaction{ID: "tx-old", UserID: "user-001", Amount: 5, Timestamp: now.Add(-2 * time.Hour)}
		if err := repo.SaveTransaction(ctx, old); err != nil {
			t.Fatalf("failed to save transaction: %v", err)
		}

		count, err := svc.CountInWindow(ctx, "user-001", now, DefaultWindow, "candidate")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 6 {
			t.Errorf("expected 5 stored + candidate = 6, got %d", count)
		}

		hours, found, err := svc.HoursSinceLast(ctx, "user-001", now, "candidate")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !found || hours < 0.166 || hours > 0.167 {
			t.Errorf("expected ~10 minutes since last, got %v (found=%v)", hours, found)
		}
	})

	t.Run("StoredCandidateCountedOnce", func(t *testing.T) {
		candidate := &domain.Transaction{ID: "tx-now", UserID: "user-001", Amount: 100, Timestamp: now}
		if err := repo.SaveTransaction(ctx, candidate); err != nil {
			t.Fatalf("failed to save transaction: %v", err)
		}

		count, err := svc.CountInWindow(ctx, "user-001", now, DefaultWindow, candidate.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 6 {
			t.Errorf("expected candidate counted once (6), got %d", count)
		}

		_, found, _ := svc.HoursSinceLast(ctx, "user-001", now, candidate.ID)
		if !found {
			t.Error("expected previous transaction excluding candidate")
		}
	})

	t.Run("UserIsolation", func(t *testing.T) {
		count, err := svc.CountInWindow(ctx, "user-002", now, DefaultWindow, "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 1 {
			t.Errorf("expected 1 for a user without history, got %d", count)
		}
	})

	t.Run("UserRequired", func(t *testing.T) {
		if _, err := svc.CountInWindow(ctx, "", now, DefaultWindow, ""); err == nil {
			t.Error("expected error for empty userID")
		}
	})
}
