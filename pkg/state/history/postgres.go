package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

type postgresStore struct {
	db *sql.DB
}

func newPostgresStore(cfg Config) (*postgresStore, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database, orDefault(cfg.SSLMode, "disable"))

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open postgres: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := &postgresStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: init schema: %w", err)
	}
	return s, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func (s *postgresStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS update_history (
		id TEXT PRIMARY KEY,
		package_name TEXT NOT NULL,
		operation_id TEXT NOT NULL,
		from_version TEXT,
		to_version TEXT NOT NULL,
		outcome TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ NOT NULL,
		rollback_performed BOOLEAN NOT NULL DEFAULT false,
		error_message TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_update_history_package ON update_history(package_name, started_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *postgresStore) Append(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO update_history
			(id, package_name, operation_id, from_version, to_version, outcome, started_at, finished_at, rollback_performed, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.PackageName, r.OperationID, r.FromVersion, r.ToVersion, r.Outcome,
		r.StartedAt, r.FinishedAt, r.RollbackPerformed, r.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	return nil
}

func (s *postgresStore) List(ctx context.Context, packageName string, limit, offset int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, package_name, operation_id, from_version, to_version, outcome, started_at, finished_at, rollback_performed, error_message
		FROM update_history
		WHERE package_name = $1
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3`,
		packageName, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var startedAt, finishedAt time.Time
		if err := rows.Scan(&r.ID, &r.PackageName, &r.OperationID, &r.FromVersion, &r.ToVersion,
			&r.Outcome, &startedAt, &finishedAt, &r.RollbackPerformed, &r.ErrorMessage); err != nil {
			return nil, fmt.Errorf("history: list scan: %w", err)
		}
		r.StartedAt, r.FinishedAt = startedAt, finishedAt
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *postgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *postgresStore) Close() error {
	return s.db.Close()
}
