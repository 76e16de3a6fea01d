package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vertextoedge/psn-update-fetcher/internal/port"
)

// Store implements port.Store interface using SQLite
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Ensure Store implements port.Store
var _ port.Store = (*Store)(nil)

// Open opens a connection to the SQLite database
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database dir: %w", err)
		}
	}

	// Open database with WAL mode and busy timeout
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	store := &Store{db: db, now: time.Now}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks database connectivity
func (s *Store) Ping() error {
	return s.db.Ping()
}

// migrate creates or updates the database schema
func (s *Store) migrate() error {
	migrations := []string{
		// Timestamps are unix nanoseconds so they compare numerically.
		`CREATE TABLE IF NOT EXISTS download_tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			package_id TEXT NOT NULL,
			package_json TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			worker_id TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			next_retry_at INTEGER,
			last_error TEXT,
			created_at INTEGER NOT NULL,
			claimed_at INTEGER,
			updated_at INTEGER NOT NULL
		)`,

		// One active task per title and package
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_download_tasks_active
			ON download_tasks(title_id, package_id)
			WHERE status IN ('pending', 'in_progress')`,

		`CREATE INDEX IF NOT EXISTS idx_download_tasks_status ON download_tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_download_tasks_title_id ON download_tasks(title_id)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, migration)
		}
	}

	return nil
}
