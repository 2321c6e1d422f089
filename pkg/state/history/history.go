// Package history is the controller's own append-only record of every
// update attempt it has driven: one row per (package, operation), entirely
// independent of the per-package deployment.state.json written on the
// host. Three interchangeable backends (sqlite, postgres, redis) sit
// behind the Store interface, the same shape as the teacher's
// pkg/storage.Storage abstraction.
package history

import (
	"context"
	"fmt"
	"time"
)

// Record is one completed (or failed) update attempt.
type Record struct {
	ID                string    `json:"id"`
	PackageName       string    `json:"package_name"`
	OperationID       string    `json:"operation_id"`
	FromVersion       string    `json:"from_version"`
	ToVersion         string    `json:"to_version"`
	Outcome           string    `json:"outcome"`
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at"`
	RollbackPerformed bool      `json:"rollback_performed"`
	ErrorMessage      string    `json:"error_message,omitempty"`
}

// Duration is how long the attempt took.
func (r Record) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// Store is the operation-history backend contract.
type Store interface {
	// Append records one completed update attempt.
	Append(ctx context.Context, record Record) error
	// List returns the most recent records for a package, newest first.
	List(ctx context.Context, packageName string, limit, offset int) ([]Record, error)
	// Ping verifies the backend connection is healthy.
	Ping(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}

// Backend names a supported Store implementation.
type Backend string

const (
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
	BackendRedis    Backend = "redis"
)

// Config configures whichever backend is selected.
type Config struct {
	Backend  Backend
	Host     string
	Port     int
	Database string // DSN/file path for sqlite
	Username string
	Password string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// TTL is the Redis key expiry for history entries; ignored by other
	// backends.
	TTL time.Duration
}

// New constructs the Store for cfg.Backend.
func New(cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendSQLite, "":
		return newSQLiteStore(cfg)
	case BackendPostgres:
		return newPostgresStore(cfg)
	case BackendRedis:
		return newRedisStore(cfg)
	default:
		return nil, fmt.Errorf("history: unknown backend %q", cfg.Backend)
	}
}
