package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite connection and implements session.Store and
// ledger.Ledger on top of it.
type DB struct {
	conn *sql.DB
}

// Open creates or opens a SQLite database at the given path.
// It enables WAL mode, foreign keys, and runs migrations.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: pragmas are per connection, ":memory:" databases are
	// per connection, and SQLite serializes writers anyway.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks that the database is reachable.
func (db *DB) Ping() error {
	return db.conn.Ping()
}

// migrate creates or updates the database schema
func (db *DB) migrate() error {
	schema := `
-- Sessions: one planned outing each
CREATE TABLE IF NOT EXISTS sessions (
    id                  TEXT PRIMARY KEY,
    owner_name          TEXT NOT NULL,
    due_time            TEXT NOT NULL,
    tolerance_minutes   INTEGER NOT NULL,
    note                TEXT NOT NULL DEFAULT '',
    latitude            REAL,
    longitude           REAL,
    state               TEXT NOT NULL,
    round               INTEGER NOT NULL DEFAULT 0,
    degraded            INTEGER NOT NULL DEFAULT 0,
    created_at          TEXT NOT NULL,
    updated_at          TEXT NOT NULL,
    closed_at           TEXT
);

-- Contacts: emergency contacts, in the order they were entered
CREATE TABLE IF NOT EXISTS contacts (
    session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    position    INTEGER NOT NULL,
    name        TEXT NOT NULL,
    phone       TEXT NOT NULL,
    PRIMARY KEY (session_id, position)
);

-- History: append-only record of fired tiers
CREATE TABLE IF NOT EXISTS history (
    session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    sequence    INTEGER NOT NULL,
    tier        TEXT NOT NULL,
    round       INTEGER NOT NULL,
    fired_at    TEXT NOT NULL,
    PRIMARY KEY (session_id, sequence)
);

-- Attempts: delivery ledger. Test messages have an empty session_id.
CREATE TABLE IF NOT EXISTS attempts (
    id                  TEXT PRIMARY KEY,
    session_id          TEXT NOT NULL,
    contact_name        TEXT NOT NULL,
    contact_phone       TEXT NOT NULL,
    tier                TEXT NOT NULL,
    round               INTEGER NOT NULL,
    message             TEXT NOT NULL,
    status              TEXT NOT NULL,
    tries               INTEGER NOT NULL,
    provider_message_id TEXT NOT NULL DEFAULT '',
    failure_reason      TEXT NOT NULL DEFAULT '',
    created_at          TEXT NOT NULL,
    sent_at             TEXT,
    delivered_at        TEXT,
    updated_at          TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);
CREATE INDEX IF NOT EXISTS idx_attempts_session ON attempts(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_attempts_provider ON attempts(provider_message_id);
CREATE INDEX IF NOT EXISTS idx_attempts_tier_status ON attempts(tier, status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_attempts_slot
    ON attempts(session_id, round, tier, contact_phone) WHERE session_id <> '';
`

	_, err := db.conn.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	return nil
}

// Timestamps are stored as fixed-width RFC 3339 text in UTC so they sort
// lexically and round-trip without driver-specific parsing.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
