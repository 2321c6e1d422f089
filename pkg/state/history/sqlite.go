package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type sqliteStore struct {
	db *sql.DB
}

func newSQLiteStore(cfg Config) (*sqliteStore, error) {
	dsn := cfg.Database
	if dsn == "" {
		dsn = "history.db"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open sqlite: %w", err)
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

	s := &sqliteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: init schema: %w", err)
	}
	return s, nil
}

func (s *sqliteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS update_history (
		id TEXT PRIMARY KEY,
		package_name TEXT NOT NULL,
		operation_id TEXT NOT NULL,
		from_version TEXT,
		to_version TEXT NOT NULL,
		outcome TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		rollback_performed INTEGER NOT NULL DEFAULT 0,
		error_message TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_update_history_package ON update_history(package_name, started_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *sqliteStore) Append(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO update_history
			(id, package_name, operation_id, from_version, to_version, outcome, started_at, finished_at, rollback_performed, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.PackageName, r.OperationID, r.FromVersion, r.ToVersion, r.Outcome,
		r.StartedAt, r.FinishedAt, r.RollbackPerformed, r.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	return nil
}

func (s *sqliteStore) List(ctx context.Context, packageName string, limit, offset int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, package_name, operation_id, from_version, to_version, outcome, started_at, finished_at, rollback_performed, error_message
		FROM update_history
		WHERE package_name = ?
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?`,
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

func (s *sqliteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
