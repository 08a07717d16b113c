package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SaveRuleConfig inserts or replaces a runtime rule definition.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, rule *domain.RuleConfig) error {
	if rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", domain.ErrInvalidInput)
	}

	now := r.now().UTC()
	created := rule.CreatedAt
	if created.IsZero() {
		created = now
	}

	query := `
		INSERT INTO rule_configs (
			id, description, expression, severity, anomaly_type, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			description = excluded.description,
			expression = excluded.expression,
			severity = excluded.severity,
			anomaly_type = excluded.anomaly_type,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Description, rule.Expression,
		string(rule.Severity), string(rule.Type), boolToInt(rule.Enabled),
		encodeTime(created), encodeTime(now),
	)
	return err
}

// GetRuleConfig retrieves a rule definition by id.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, ruleID string) (*domain.RuleConfig, error) {
	query := `
		SELECT id, description, expression, severity, anomaly_type, enabled, created_at
		FROM rule_configs WHERE id = ?
	`
	cfg, err := scanRuleConfig(r.db.QueryRowContext(ctx, r.rebind(query), ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return cfg, err
}

// ListRuleConfigs returns every stored rule definition, enabled or not.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context) ([]*domain.RuleConfig, error) {
	query := `
		SELECT id, description, expression, severity, anomaly_type, enabled, created_at
		FROM rule_configs ORDER BY created_at, id
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		cfg, err := scanRuleConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

func scanRuleConfig(s scanner) (*domain.RuleConfig, error) {
	var cfg domain.RuleConfig
	var sev, typ, created string
	var enabled int

	if err := s.Scan(&cfg.ID, &cfg.Description, &cfg.Expression, &sev, &typ, &enabled, &created); err != nil {
		return nil, err
	}

	cfg.Severity = domain.Severity(sev)
	cfg.Type = domain.AnomalyType(typ)
	cfg.Enabled = enabled == 1

	var err error
	if cfg.CreatedAt, err = decodeTime(created); err != nil {
		return nil, err
	}
	return &cfg, nil
}
