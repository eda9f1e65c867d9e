// Package domain defines the core interfaces and types for ipsim.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// Only run records and policy configurations are stored; generated
// populations never are.
type Repository interface {
	// Run operations
	SaveRun(ctx context.Context, run *Run) error
	UpdateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]*Run, error)

	// Policy configuration operations
	SavePolicy(ctx context.Context, policy *PolicyConfig) error
	GetPolicy(ctx context.Context, policyID string) (*PolicyConfig, error)
	ListPolicies(ctx context.Context) ([]*PolicyConfig, error)
	DeletePolicy(ctx context.Context, policyID string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver" yaml:"driver"`

	// SQLitePath is a file path, or ":memory:" for a run history that
	// lives as long as the process
	SQLitePath string `json:"sqlitePath" yaml:"sqlitePath"`

	// PostgresURL is a postgres:// connection URL; when set it replaces
	// the discrete fields below
	PostgresURL string `json:"-" yaml:"postgresUrl"`

	// PostgreSQL connection fields
	PostgresHost     string `json:"postgresHost" yaml:"postgresHost"`
	PostgresPort     int    `json:"postgresPort" yaml:"postgresPort"`
	PostgresUser     string `json:"postgresUser" yaml:"postgresUser"`
	PostgresPassword string `json:"-" yaml:"postgresPassword"`
	PostgresDB       string `json:"postgresDb" yaml:"postgresDb"`
	PostgresSSLMode  string `json:"postgresSslMode" yaml:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" yaml:"maxOpenConns"`
	MaxIdleConns    int           `json:"maxIdleConns" yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" yaml:"connMaxLifetime"`
}
