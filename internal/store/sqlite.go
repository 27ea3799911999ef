// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides city/agent/log persistence with automatic schema creation

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// busy_timeout makes concurrent writers wait for the lock instead of
	// failing immediately with SQLITE_BUSY; set via the DSN so it applies
	// to every pooled connection.
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(10000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS cities (
			id             TEXT PRIMARY KEY,
			name           TEXT NOT NULL,
			country_code   TEXT NOT NULL,
			country_name   TEXT NOT NULL,
			lat            REAL NOT NULL,
			lng            REAL NOT NULL,
			population     INTEGER NOT NULL DEFAULT 0,
			timezone       TEXT,
			reserved       INTEGER NOT NULL DEFAULT 0,
			owner_agent_id TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_cities_country ON cities(country_code);
		CREATE INDEX IF NOT EXISTS idx_cities_owner ON cities(owner_agent_id);

		CREATE TABLE IF NOT EXISTS agents (
			id              TEXT PRIMARY KEY,
			name            TEXT NOT NULL,
			secret_hash     TEXT NOT NULL,
			lat             REAL NOT NULL DEFAULT 0,
			lng             REAL NOT NULL DEFAULT 0,
			territory_state TEXT NOT NULL DEFAULT 'unassigned',
			city_id         TEXT,
			last_heartbeat  TEXT NOT NULL,
			created_at      TEXT NOT NULL,

			CHECK (territory_state IN ('unassigned', 'holding', 'exiled'))
		);

		CREATE INDEX IF NOT EXISTS idx_agents_state ON agents(territory_state);
		CREATE INDEX IF NOT EXISTS idx_agents_heartbeat ON agents(last_heartbeat);

		CREATE TABLE IF NOT EXISTS assignment_log (
			id       TEXT PRIMARY KEY,
			city_id  TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			actor    TEXT NOT NULL,
			reason   TEXT NOT NULL,
			kind     TEXT NOT NULL,
			ts       TEXT NOT NULL,

			CHECK (kind IN ('claim', 'release', 'transfer', 'forced_exile'))
		);

		CREATE INDEX IF NOT EXISTS idx_assignment_city ON assignment_log(city_id, ts);
		CREATE INDEX IF NOT EXISTS idx_assignment_agent ON assignment_log(agent_id);

		CREATE TABLE IF NOT EXISTS admin_sessions (
			id         TEXT PRIMARY KEY,
			subject    TEXT NOT NULL,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_admin_sessions_expires ON admin_sessions(expires_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
