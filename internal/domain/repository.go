// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// TransactionStore reads a user's transaction history.
type TransactionStore interface {
	SaveTransaction(ctx context.Context, tx *Transaction) error

	// ListTransactions returns transactions with from <= timestamp < to, oldest first.
	ListTransactions(ctx context.Context, userID string, from, to time.Time) ([]*Transaction, error)

	// LatestTransaction returns the most recent transaction strictly before
	// the given time, skipping excludeID. Returns ErrNotFound when none exist.
	LatestTransaction(ctx context.Context, userID string, before time.Time, excludeID string) (*Transaction, error)

	// CountTransactions counts transactions with from <= timestamp <= to, skipping excludeID.
	CountTransactions(ctx context.Context, userID string, from, to time.Time, excludeID string) (int, error)

	// UsersWithTransactionsSince returns distinct users with a transaction
	// created at or after since.
	UsersWithTransactionsSince(ctx context.Context, since time.Time) ([]string, error)
}

// AccountStore reads linked accounts and records sync failures.
type AccountStore interface {
	SaveAccount(ctx context.Context, account *Account) error
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	ListAccounts(ctx context.Context, userID string) ([]*Account, error)
	UpdateAccountSyncError(ctx context.Context, accountID string, syncErr string) error
	MarkAccountSynced(ctx context.Context, accountID string, at time.Time) error
}

// GoalStore reads savings goals.
type GoalStore interface {
	SaveGoal(ctx context.Context, goal *Goal) error

	// ListActiveGoals returns active goals whose target date is after now.
	// An empty userID lists goals for every user.
	ListActiveGoals(ctx context.Context, now time.Time, userID string) ([]*Goal, error)
}

// AlertStore persists alerts.
type AlertStore interface {
	// InsertAlert stores the alert. When DedupKey is set and an alert with the
	// same user and key exists, the existing alert is returned with inserted=false.
	InsertAlert(ctx context.Context, alert *Alert) (stored *Alert, inserted bool, err error)

	GetAlert(ctx context.Context, userID, alertID string) (*Alert, error)
	ListAlerts(ctx context.Context, userID string, filter AlertFilter) ([]*Alert, error)

	// AcknowledgeAlert marks an unacknowledged alert owned by userID.
	// It reports whether a row changed.
	AcknowledgeAlert(ctx context.Context, userID, alertID string, at time.Time) (bool, error)

	DeleteAlertsBefore(ctx context.Context, before time.Time) (int, error)
	AlertStats(ctx context.Context, now time.Time) (AlertStats, error)
}

// RuleStore persists runtime rule definitions.
type RuleStore interface {
	SaveRuleConfig(ctx context.Context, rule *RuleConfig) error
	GetRuleConfig(ctx context.Context, ruleID string) (*RuleConfig, error)
	ListRuleConfigs(ctx context.Context) ([]*RuleConfig, error)
}

// Repository bundles every store behind one database handle.
type Repository interface {
	TransactionStore
	AccountStore
	GoalStore
	AlertStore
	RuleStore

	// Durable job queue backed by the same database.
	JobQueue

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `koanf:"driver" json:"driver" validate:"oneof=sqlite postgres"`

	// SQLite specific
	SQLitePath string `koanf:"sqlite_path" json:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `koanf:"postgres_host" json:"postgresHost"`
	PostgresPort     int    `koanf:"postgres_port" json:"postgresPort"`
	PostgresUser     string `koanf:"postgres_user" json:"postgresUser"`
	PostgresPassword string `koanf:"postgres_password" json:"-"`
	PostgresDB       string `koanf:"postgres_db" json:"postgresDb"`
	PostgresSSLMode  string `koanf:"postgres_sslmode" json:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `koanf:"max_open_conns" json:"maxOpenConns"`
	MaxIdleConns    int           `koanf:"max_idle_conns" json:"maxIdleConns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime" json:"connMaxLifetime"`
}
