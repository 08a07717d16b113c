package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SaveAccount inserts or updates a linked account.
func (r *SQLRepository) SaveAccount(ctx context.Context, a *domain.Account) error {
	if a.ID == "" || a.UserID == "" {
		return fmt.Errorf("%w: account id and user id are required", domain.ErrInvalidInput)
	}
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.now()
	}

	query := `
		INSERT INTO accounts (id, user_id, name, provider, last_synced_at, sync_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			provider = excluded.provider,
			last_synced_at = excluded.last_synced_at,
			sync_error = excluded.sync_error
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		a.ID, a.UserID, a.Name, a.Provider,
		encodeNullTime(a.LastSyncedAt), a.SyncError, encodeTime(createdAt),
	)
	return err
}

// GetAccount retrieves an account by id.
func (r *SQLRepository) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	query := `
		SELECT id, user_id, name, provider, last_synced_at, sync_error, created_at
		FROM accounts WHERE id = ?
	`
	a, err := scanAccount(r.db.QueryRowContext(ctx, r.rebind(query), accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return a, err
}

// ListAccounts returns a user's accounts.
func (r *SQLRepository) ListAccounts(ctx context.Context, userID string) ([]*domain.Account, error) {
	query := `
		SELECT id, user_id, name, provider, last_synced_at, sync_error, created_at
		FROM accounts WHERE user_id = ?
		ORDER BY created_at
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// UpdateAccountSyncError records a sync failure note on the account.
func (r *SQLRepository) UpdateAccountSyncError(ctx context.Context, accountID string, syncErr string) error {
	res, err := r.db.ExecContext(ctx, r.rebind(`UPDATE accounts SET sync_error = ? WHERE id = ?`), syncErr, accountID)
	if err != nil {
		return err
	}
	if n, err := rowsAffected(res); err != nil {
		return err
	} else if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkAccountSynced records a successful sync and clears any error note.
func (r *SQLRepository) MarkAccountSynced(ctx context.Context, accountID string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		r.rebind(`UPDATE accounts SET last_synced_at = ?, sync_error = '' WHERE id = ?`),
		encodeTime(at), accountID,
	)
	if err != nil {
		return err
	}
	if n, err := rowsAffected(res); err != nil {
		return err
	} else if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanAccount(s scanner) (*domain.Account, error) {
	var a domain.Account
	var synced sql.NullString
	var created string

	if err := s.Scan(&a.ID, &a.UserID, &a.Name, &a.Provider, &synced, &a.SyncError, &created); err != nil {
		return nil, err
	}

	var err error
	if a.LastSyncedAt, err = decodeNullTime(synced); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = decodeTime(created); err != nil {
		return nil, err
	}
	return &a, nil
}

// SaveGoal inserts or updates a savings goal.
func (r *SQLRepository) SaveGoal(ctx context.Context, g *domain.Goal) error {
	if g.ID == "" || g.UserID == "" {
		return fmt.Errorf("%w: goal id and user id are required", domain.ErrInvalidInput)
	}
	status := g.Status
	if status == "" {
		status = domain.GoalActive
	}

	query := `
		INSERT INTO goals (id, user_id, name, target_amount, current_amount, start_date, target_date, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			target_amount = excluded.target_amount,
			current_amount = excluded.current_amount,
			start_date = excluded.start_date,
			target_date = excluded.target_date,
			status = excluded.status
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		g.ID, g.UserID, g.Name, g.TargetAmount, g.CurrentAmount,
		encodeTime(g.StartDate), encodeTime(g.TargetDate), string(status),
	)
	return err
}

// ListActiveGoals returns active goals with a target date after now.
func (r *SQLRepository) ListActiveGoals(ctx context.Context, now time.Time, userID string) ([]*domain.Goal, error) {
	query := `
		SELECT id, user_id, name, target_amount, current_amount, start_date, target_date, status
		FROM goals
		WHERE status = ? AND target_date > ?
	`
	args := []any{string(domain.GoalActive), encodeTime(now)}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY user_id, target_date`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var goals []*domain.Goal
	for rows.Next() {
		var g domain.Goal
		var start, target, status string
		if err := rows.Scan(&g.ID, &g.UserID, &g.Name, &g.TargetAmount, &g.CurrentAmount, &start, &target, &status); err != nil {
			return nil, err
		}
		if g.StartDate, err = decodeTime(start); err != nil {
			return nil, err
		}
		if g.TargetDate, err = decodeTime(target); err != nil {
			return nil, err
		}
		g.Status = domain.GoalStatus(status)
		goals = append(goals, &g)
	}
	return goals, rows.Err()
}
