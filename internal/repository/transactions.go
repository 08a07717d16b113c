package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const transactionColumns = `id, user_id, account_id, amount, currency, description, category, location, timestamp, created_at`

// SaveTransaction stores a transaction. Re-ingesting an existing id is a no-op.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx.ID == "" || tx.UserID == "" {
		return fmt.Errorf("%w: transaction id and user id are required", domain.ErrInvalidInput)
	}

	createdAt := tx.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.now()
	}

	query := `
		INSERT INTO transactions (` + transactionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tx.UserID, tx.AccountID,
		tx.Amount, tx.Currency,
		tx.Description, tx.Category, tx.Location,
		encodeTime(tx.Timestamp), encodeTime(createdAt),
	)
	if err != nil {
		return fmt.Errorf("save transaction %s: %w", tx.ID, err)
	}
	return nil
}

// ListTransactions returns a user's transactions in [from, to), oldest first.
func (r *SQLRepository) ListTransactions(ctx context.Context, userID string, from, to time.Time) ([]*domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE user_id = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), userID, encodeTime(from), encodeTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// LatestTransaction returns the user's most recent transaction before the given time.
func (r *SQLRepository) LatestTransaction(ctx context.Context, userID string, before time.Time, excludeID string) (*domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE user_id = ? AND timestamp < ? AND id <> ?
		ORDER BY timestamp DESC
		LIMIT 1
	`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), userID, encodeTime(before), excludeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// CountTransactions counts a user's transactions in [from, to].
func (r *SQLRepository) CountTransactions(ctx context.Context, userID string, from, to time.Time, excludeID string) (int, error) {
	query := `
		SELECT COUNT(*) FROM transactions
		WHERE user_id = ? AND timestamp >= ? AND timestamp <= ? AND id <> ?
	`

	var count int
	err := r.db.QueryRowContext(ctx, r.rebind(query), userID, encodeTime(from), encodeTime(to), excludeID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return count, nil
}

// UsersWithTransactionsSince returns distinct users with transactions created since the cutoff.
func (r *SQLRepository) UsersWithTransactionsSince(ctx context.Context, since time.Time) ([]string, error) {
	query := `
		SELECT DISTINCT user_id FROM transactions
		WHERE created_at >= ?
		ORDER BY user_id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), encodeTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s scanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var ts, created string

	if err := s.Scan(
		&tx.ID, &tx.UserID, &tx.AccountID,
		&tx.Amount, &tx.Currency,
		&tx.Description, &tx.Category, &tx.Location,
		&ts, &created,
	); err != nil {
		return nil, err
	}

	var err error
	if tx.Timestamp, err = decodeTime(ts); err != nil {
		return nil, err
	}
	if tx.CreatedAt, err = decodeTime(created); err != nil {
		return nil, err
	}
	return &tx, nil
}
