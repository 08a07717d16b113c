package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const alertColumns = `id, user_id, transaction_id, type, severity, title, message, details, acknowledged, acknowledged_at, dedup_key, created_at`

// InsertAlert stores an alert. Keyed alerts are insert-if-absent per user.
func (r *SQLRepository) InsertAlert(ctx context.Context, a *domain.Alert) (*domain.Alert, bool, error) {
	if a.ID == "" || a.UserID == "" {
		return nil, false, fmt.Errorf("%w: alert id and user id are required", domain.ErrInvalidInput)
	}
	if !a.Severity.Valid() {
		return nil, false, fmt.Errorf("%w: unknown severity %q", domain.ErrInvalidInput, a.Severity)
	}

	details, err := json.Marshal(a.Details)
	if err != nil {
		return nil, false, fmt.Errorf("%w: alert details: %v", domain.ErrInvalidInput, err)
	}

	var dedup sql.NullString
	if a.DedupKey != "" {
		dedup = sql.NullString{String: a.DedupKey, Valid: true}
	}

	query := `
		INSERT INTO alerts (` + alertColumns + `, severity_rank)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		a.ID, a.UserID, a.TransactionID,
		string(a.Type), string(a.Severity),
		a.Title, a.Message, string(details),
		boolToInt(a.Acknowledged), encodeNullTime(a.AcknowledgedAt),
		dedup, encodeTime(a.CreatedAt),
		a.Severity.Rank(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert alert: %w", err)
	}

	n, err := rowsAffected(res)
	if err != nil {
		return nil, false, err
	}
	if n == 1 {
		return a, true, nil
	}
	if a.DedupKey == "" {
		return nil, false, fmt.Errorf("insert alert %s: %w", a.ID, domain.ErrDuplicate)
	}

	query = `SELECT ` + alertColumns + ` FROM alerts WHERE user_id = ? AND dedup_key = ?`
	existing, err := scanAlert(r.db.QueryRowContext(ctx, r.rebind(query), a.UserID, a.DedupKey))
	if err != nil {
		return nil, false, fmt.Errorf("load deduplicated alert: %w", err)
	}
	return existing, false, nil
}

// GetAlert retrieves an alert owned by userID.
func (r *SQLRepository) GetAlert(ctx context.Context, userID, alertID string) (*domain.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE id = ? AND user_id = ?`
	a, err := scanAlert(r.db.QueryRowContext(ctx, r.rebind(query), alertID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return a, err
}

// ListAlerts returns a user's alerts, newest first.
func (r *SQLRepository) ListAlerts(ctx context.Context, userID string, f domain.AlertFilter) ([]*domain.Alert, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + alertColumns + ` FROM alerts WHERE user_id = ?`)
	args := []any{userID}

	if len(f.Types) > 0 {
		sb.WriteString(` AND type IN (`)
		for i, t := range f.Types {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("?")
			args = append(args, string(t))
		}
		sb.WriteString(`)`)
	}
	if f.MinSeverity != "" {
		sb.WriteString(` AND severity_rank >= ?`)
		args = append(args, f.MinSeverity.Rank())
	}
	if !f.Since.IsZero() {
		sb.WriteString(` AND created_at >= ?`)
		args = append(args, encodeTime(f.Since))
	}
	if f.Unacknowledged {
		sb.WriteString(` AND acknowledged = 0`)
	}
	sb.WriteString(` ORDER BY created_at DESC, id`)
	if f.Limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(sb.String()), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts := []*domain.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// AcknowledgeAlert marks an unacknowledged alert owned by userID.
func (r *SQLRepository) AcknowledgeAlert(ctx context.Context, userID, alertID string, at time.Time) (bool, error) {
	query := `
		UPDATE alerts SET acknowledged = 1, acknowledged_at = ?
		WHERE id = ? AND user_id = ? AND acknowledged = 0
	`
	res, err := r.db.ExecContext(ctx, r.rebind(query), encodeTime(at), alertID, userID)
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n > 0, err
}

// DeleteAlertsBefore removes alerts created before the cutoff.
func (r *SQLRepository) DeleteAlertsBefore(ctx context.Context, before time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM alerts WHERE created_at < ?`), encodeTime(before))
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}

// AlertStats summarizes stored alerts.
func (r *SQLRepository) AlertStats(ctx context.Context, now time.Time) (domain.AlertStats, error) {
	stats := domain.AlertStats{BySeverity: make(map[domain.Severity]int)}

	query := `
		SELECT severity, COUNT(*), SUM(CASE WHEN acknowledged = 0 THEN 1 ELSE 0 END)
		FROM alerts GROUP BY severity
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return stats, err
	}
	for rows.Next() {
		var sev string
		var total, unacked int
		if err := rows.Scan(&sev, &total, &unacked); err != nil {
			rows.Close()
			return stats, err
		}
		stats.BySeverity[domain.Severity(sev)] = total
		stats.Total += total
		stats.Unacknowledged += unacked
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return stats, err
	}
	rows.Close()

	err = r.db.QueryRowContext(ctx,
		r.rebind(`SELECT COUNT(*) FROM alerts WHERE created_at >= ?`),
		encodeTime(now.Add(-24*time.Hour)),
	).Scan(&stats.Last24h)
	return stats, err
}

func scanAlert(s scanner) (*domain.Alert, error) {
	var a domain.Alert
	var typ, sev, details, created string
	var acked int
	var ackedAt, dedup sql.NullString

	if err := s.Scan(
		&a.ID, &a.UserID, &a.TransactionID,
		&typ, &sev, &a.Title, &a.Message, &details,
		&acked, &ackedAt, &dedup, &created,
	); err != nil {
		return nil, err
	}

	a.Type = domain.AlertType(typ)
	a.Severity = domain.Severity(sev)
	a.Acknowledged = acked == 1
	a.DedupKey = dedup.String

	if details != "" && details != "null" {
		if err := json.Unmarshal([]byte(details), &a.Details); err != nil {
			return nil, fmt.Errorf("alert %s details: %w", a.ID, err)
		}
	}

	var err error
	if a.AcknowledgedAt, err = decodeNullTime(ackedAt); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = decodeTime(created); err != nil {
		return nil, err
	}
	return &a, nil
}
