package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/RevCBH/safewalk/internal/session"
)

var _ session.Store = (*DB)(nil)

// Create inserts a new session with its contacts and history.
func (db *DB) Create(ctx context.Context, s *session.Session) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	lat, lng := locationArgs(s.Location)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (
			id, owner_name, due_time, tolerance_minutes, note, latitude, longitude,
			state, round, degraded, created_at, updated_at, closed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		s.ID, s.OwnerName, formatTime(s.DueTime), s.ToleranceMinutes, s.Note, lat, lng,
		s.State, s.Round, s.Degraded, formatTime(s.CreatedAt), formatTime(s.UpdatedAt),
		formatTimePtr(s.ClosedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("session %s already exists", s.ID)
		}
		return fmt.Errorf("failed to create session: %w", err)
	}

	if err := writeChildren(ctx, tx, s); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}
	return nil
}

// Get loads a session. Returns session.ErrNotFound if it does not exist.
func (db *DB) Get(ctx context.Context, id string) (*session.Session, error) {
	s := &session.Session{}
	var (
		lat, lng sql.NullFloat64
		due      string
		created  string
		updated  string
		closed   sql.NullString
	)
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, owner_name, due_time, tolerance_minutes, note, latitude, longitude,
		       state, round, degraded, created_at, updated_at, closed_at
		FROM sessions
		WHERE id = ?
	`, id).Scan(
		&s.ID, &s.OwnerName, &due, &s.ToleranceMinutes, &s.Note, &lat, &lng,
		&s.State, &s.Round, &s.Degraded, &created, &updated, &closed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	if s.DueTime, err = parseTime(due); err != nil {
		return nil, err
	}
	if s.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if s.ClosedAt, err = parseTimePtr(closed); err != nil {
		return nil, err
	}
	if lat.Valid && lng.Valid {
		s.Location = &session.Location{Latitude: lat.Float64, Longitude: lng.Float64}
	}

	if s.Contacts, err = db.listContacts(ctx, id); err != nil {
		return nil, err
	}
	if s.History, err = db.listHistory(ctx, id); err != nil {
		return nil, err
	}
	return s, nil
}

// Save overwrites a session and replaces its contacts and history.
func (db *DB) Save(ctx context.Context, s *session.Session) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	lat, lng := locationArgs(s.Location)
	result, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET owner_name = ?, due_time = ?, tolerance_minutes = ?, note = ?,
		    latitude = ?, longitude = ?, state = ?, round = ?, degraded = ?,
		    updated_at = ?, closed_at = ?
		WHERE id = ?
	`,
		s.OwnerName, formatTime(s.DueTime), s.ToleranceMinutes, s.Note,
		lat, lng, s.State, s.Round, s.Degraded,
		formatTime(s.UpdatedAt), formatTimePtr(s.ClosedAt), s.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return session.ErrNotFound
	}

	for _, table := range []string{"contacts", "history"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE session_id = ?", s.ID); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	if err := writeChildren(ctx, tx, s); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}
	return nil
}

// ListActive returns ids of sessions the scheduler still needs to evaluate.
func (db *DB) ListActive(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id FROM sessions
		WHERE state IN (?, ?)
		ORDER BY id
	`, session.StateActive, session.StateFollowedUp)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return ids, nil
}

func writeChildren(ctx context.Context, tx *sql.Tx, s *session.Session) error {
	for i, c := range s.Contacts {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO contacts (session_id, position, name, phone) VALUES (?, ?, ?, ?)",
			s.ID, i, c.Name, c.Phone,
		); err != nil {
			return fmt.Errorf("failed to write contact: %w", err)
		}
	}
	for i, h := range s.History {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO history (session_id, sequence, tier, round, fired_at) VALUES (?, ?, ?, ?, ?)",
			s.ID, i, h.Tier, h.Round, formatTime(h.FiredAt),
		); err != nil {
			return fmt.Errorf("failed to write history: %w", err)
		}
	}
	return nil
}

func (db *DB) listContacts(ctx context.Context, id string) ([]session.Contact, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT name, phone FROM contacts WHERE session_id = ? ORDER BY position", id)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	defer rows.Close()

	var out []session.Contact
	for rows.Next() {
		var c session.Contact
		if err := rows.Scan(&c.Name, &c.Phone); err != nil {
			return nil, fmt.Errorf("failed to scan contact: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (db *DB) listHistory(ctx context.Context, id string) ([]session.HistoryEntry, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT tier, round, fired_at FROM history WHERE session_id = ? ORDER BY sequence", id)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var out []session.HistoryEntry
	for rows.Next() {
		var (
			h     session.HistoryEntry
			fired string
		)
		if err := rows.Scan(&h.Tier, &h.Round, &fired); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		t, err := parseTime(fired)
		if err != nil {
			return nil, err
		}
		h.FiredAt = t
		out = append(out, h)
	}
	return out, rows.Err()
}

func locationArgs(loc *session.Location) (any, any) {
	if loc == nil {
		return nil, nil
	}
	return loc.Latitude, loc.Longitude
}
