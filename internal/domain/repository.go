// Package domain defines the core interfaces and types for Merlin.
package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidInput is returned when a caller violates an input contract.
	ErrInvalidInput = errors.New("invalid input")
)

// TransactionFilter narrows ListTransactions results.
type TransactionFilter struct {
	UserID       string
	RiskCategory string
	Since        time.Time
	Limit        int
	Offset       int
}

// AlertFilter narrows ListAlerts results.
type AlertFilter struct {
	UserID string
	Status string
	Limit  int
	Offset int
}

// Repository defines the interface for data persistence.
type Repository interface {
	// Transaction operations. SaveTransaction persists the transaction
	// together with its risk annotations (score, category, explanation,
	// serialized triggered rules).
	SaveTransaction(ctx context.Context, tx *Transaction, eval *EvaluationResult) error
	GetTransaction(ctx context.Context, txID string) (*Transaction, *EvaluationResult, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]*Transaction, []*EvaluationResult, error)

	// CountTransactionsSince counts a user's transactions at or after since.
	// Used by the velocity_spike rule and the ML feature builder.
	CountTransactionsSince(ctx context.Context, userID string, since time.Time) (int, error)

	// Baseline operations. Corrupt histogram/set blobs load as empty.
	SaveBaseline(ctx context.Context, baseline *UserBaseline) error
	GetBaseline(ctx context.Context, userID string) (*UserBaseline, error)

	// Alert operations. CreateAlertIfAbsent is an atomic insert-if-absent on
	// the alert's unique transaction_id; it reports whether a row was created.
	CreateAlertIfAbsent(ctx context.Context, alert *Alert) (bool, error)
	GetAlertByTransaction(ctx context.Context, txID string) (*Alert, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]*Alert, error)
	UpdateAlert(ctx context.Context, alertID string, status string, analystNotes string) (*Alert, error)

	// Custom rule configuration operations
	SaveRuleConfig(ctx context.Context, rule *RuleConfig) error
	ListRuleConfigs(ctx context.Context) ([]*RuleConfig, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
