// Package domain defines the core types and interfaces for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository is the transaction store boundary. All methods are scoped
// to a user ID; one scoring run only ever sees one user's history.
type Repository interface {
	// Transaction operations
	SaveTransaction(ctx context.Context, userID string, tx *Transaction) error
	GetTransaction(ctx context.Context, userID string, txID string) (*Transaction, error)
	ListTransactions(ctx context.Context, userID string, since, until time.Time) ([]Transaction, error)

	// Custom rule configuration
	SaveRuleConfig(ctx context.Context, userID string, rule *RuleConfig) error
	GetRuleConfig(ctx context.Context, userID string, ruleID string) (*RuleConfig, error)
	ListRuleConfigs(ctx context.Context, userID string) ([]*RuleConfig, error)

	// Scoring reports
	SaveReport(ctx context.Context, userID string, report *Report) error
	GetReport(ctx context.Context, userID string, reportID string) (*Report, error)
	ListReports(ctx context.Context, userID string, limit int) ([]*Report, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver" yaml:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" yaml:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost" yaml:"postgres_host"`
	PostgresPort     int    `json:"postgresPort" yaml:"postgres_port"`
	PostgresUser     string `json:"postgresUser" yaml:"postgres_user"`
	PostgresPassword string `json:"postgresPassword" yaml:"postgres_password"`
	PostgresDB       string `json:"postgresDb" yaml:"postgres_db"`
	PostgresSSLMode  string `json:"postgresSslMode" yaml:"postgres_ssl_mode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"maxIdleConns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" yaml:"conn_max_lifetime"`
}
