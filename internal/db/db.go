// Package db provides a centralized database connection and schema for shaded.
package db

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection
type DB struct {
	*sql.DB
}

// Open opens the database and initializes the schema
func Open(dbPath string) (*DB, error) {
	dsn := dbPath
	if dbPath != ":memory:" && !strings.Contains(dbPath, "?") {
		dsn = dbPath + "?_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection keeps ":memory:" databases shared and serializes
	// writes from the control loop and the HTTP handlers.
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DB{db}, nil
}

// initSchema creates all required tables
func initSchema(db *sql.DB) error {
	// Event ledger - append-only history of commands, schedule fires and
	// calibration results
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS event_ledger (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			payload TEXT,
			source TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_type_ts ON event_ledger(event_type, timestamp);
	`)
	if err != nil {
		return fmt.Errorf("failed to create event_ledger table: %w", err)
	}

	// Resource state - persisted JSON documents keyed by (kind, id)
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS resource_state (
			kind TEXT NOT NULL,
			id TEXT NOT NULL,
			payload TEXT NOT NULL,
			version INTEGER DEFAULT 1,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (kind, id)
		);
		CREATE INDEX IF NOT EXISTS idx_resource_state_kind ON resource_state(kind);
	`)
	if err != nil {
		return fmt.Errorf("failed to create resource_state table: %w", err)
	}

	// Solar cache - fetched sunrise/sunset per day to avoid refetching
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS solar_cache (
			date TEXT NOT NULL,
			lat REAL NOT NULL,
			lon REAL NOT NULL,
			sunrise INTEGER NOT NULL,
			sunset INTEGER NOT NULL,
			source TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (date, lat, lon)
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create solar_cache table: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}
