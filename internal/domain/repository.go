// Package domain defines the core interfaces and types for Harrier.
package domain

import (
	"context"
	"time"
)

// Repository persists evaluation and execution history for auditing.
// Rules themselves are never persisted; the registry lives in memory.
type Repository interface {
	// Evaluation runs
	SaveEvaluationRun(ctx context.Context, run *EvaluationRun) error
	GetEvaluationRun(ctx context.Context, runID string) (*EvaluationRun, error)

	// Execution reports
	SaveExecutionReport(ctx context.Context, report *ExecutionReport) error
	GetExecutionReport(ctx context.Context, reportID string) (*ExecutionReport, error)
	ListExecutionResults(ctx context.Context, ruleID string, limit int) ([]ExecutionRecord, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// ExecutionRecord is a stored ExecutionResult with the report it belongs to.
type ExecutionRecord struct {
	ReportID string `json:"reportId"`
	ExecutionResult
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite", "postgres" or "none"
	Driver string `json:"driver" yaml:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" yaml:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost" yaml:"postgresHost"`
	PostgresPort     int    `json:"postgresPort" yaml:"postgresPort"`
	PostgresUser     string `json:"postgresUser" yaml:"postgresUser"`
	PostgresPassword string `json:"-" yaml:"postgresPassword"`
	PostgresDB       string `json:"postgresDB" yaml:"postgresDB"`
	PostgresSSLMode  string `json:"postgresSSLMode" yaml:"postgresSSLMode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" yaml:"maxOpenConns"`
	MaxIdleConns    int           `json:"maxIdleConns" yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" yaml:"connMaxLifetime"`
}
