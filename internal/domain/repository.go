// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for transaction persistence.
// User-facing reads and review writes are scoped by userID.
type Repository interface {
	ScoringStore

	// Transaction operations
	SaveTransaction(ctx context.Context, tx *Transaction) (int64, error)
	GetTransaction(ctx context.Context, userID string, txID int64) (*Transaction, error)
	RemoveTransaction(ctx context.Context, userID string, txID int64) error

	// Review operations
	SetReview(ctx context.Context, userID string, txID int64, status ReviewStatus, reviewer, note string) error
	ListPendingReview(ctx context.Context, userID string, limit int) ([]*Transaction, error)
	RiskRollup(ctx context.Context, userID string) (*RiskRollup, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// ScoringStore hands out one ScoringSession per background scoring unit.
type ScoringStore interface {
	BeginScoring(ctx context.Context) (ScoringSession, error)
}

// ScoringSession is the persistence collaborator of a single scoring unit.
// A session owns its connection until Commit or Rollback; only the writes of
// PersistResults are transactional.
type ScoringSession interface {
	// FetchRows returns rows for the given IDs. Unknown IDs are omitted.
	FetchRows(ctx context.Context, ids []int64) ([]ScoringRow, error)

	// PersistResults updates only rows whose review status is still pending.
	// An empty slice is a no-op. Reports whether any row changed.
	PersistResults(ctx context.Context, results []ScoringResult) (bool, error)

	Commit() error
	Rollback() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver" toml:"driver" yaml:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" toml:"sqlite_path" yaml:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost" toml:"postgres_host" yaml:"postgres_host"`
	PostgresPort     int    `json:"postgresPort" toml:"postgres_port" yaml:"postgres_port"`
	PostgresUser     string `json:"postgresUser" toml:"postgres_user" yaml:"postgres_user"`
	PostgresPassword string `json:"-" toml:"postgres_password" yaml:"postgres_password"`
	PostgresDB       string `json:"postgresDb" toml:"postgres_db" yaml:"postgres_db"`
	PostgresSSLMode  string `json:"postgresSslMode" toml:"postgres_sslmode" yaml:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" toml:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"maxIdleConns" toml:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" toml:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}
