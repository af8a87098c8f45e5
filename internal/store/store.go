// Package store provides SQLite-backed persistence for sessions, tasks,
// and settings.
package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/foremanhq/foreman/internal/common/logger"
)

// Store owns the database handle. All writes are serialized through the
// single writer connection; read-modify-write sequences must run inside
// WithTx.
type Store struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// Open opens (or creates) the database at path and initializes the
// schema.
func Open(path string, log *logger.Logger) (*Store, error) {
	db, err := sqlx.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite supports one writer; a single connection avoids SQLITE_BUSY
	// under concurrent task updates.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		logger: log.WithFields(zap.String("component", "store")),
	}
	if err := s.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a transaction, rolling back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}
	return tx.Commit()
}

func (s *Store) initSchema() error {
	if err := s.initSessionSchema(); err != nil {
		return err
	}
	if err := s.initTaskSchema(); err != nil {
		return err
	}
	return s.initSettingsSchema()
}

func (s *Store) initSessionSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		project_path TEXT NOT NULL,
		terminal_session_name TEXT NOT NULL DEFAULT '',
		agent_kind TEXT NOT NULL DEFAULT 'bash',
		autonomous INTEGER NOT NULL DEFAULT 0,
		initial_prompt TEXT,
		created_at TIMESTAMP NOT NULL,
		last_accessed_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

func (s *Store) initTaskSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		name TEXT NOT NULL,
		prompt TEXT NOT NULL,
		runner_kind TEXT NOT NULL DEFAULT 'ralph',
		status TEXT NOT NULL DEFAULT 'pending',
		current_iteration INTEGER NOT NULL DEFAULT 0,
		max_iterations INTEGER NOT NULL DEFAULT 10,
		verification_prompt TEXT,
		last_verification_result TEXT,
		status_message TEXT,
		result TEXT,
		error TEXT,
		queue_position INTEGER,
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		last_progress_at TIMESTAMP,
		health_check_failures INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_session_id ON tasks(session_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_last_progress_at ON tasks(last_progress_at);
	`)
	return err
}

func (s *Store) initSettingsSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL
	);
	`)
	return err
}
