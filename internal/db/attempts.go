package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/RevCBH/safewalk/internal/ledger"
	"github.com/RevCBH/safewalk/internal/session"
)

var _ ledger.Ledger = (*DB)(nil)

const attemptColumns = `
	id, session_id, contact_name, contact_phone, tier, round, message, status,
	tries, provider_message_id, failure_reason, created_at, sent_at,
	delivered_at, updated_at`

// Record inserts a new attempt.
func (db *DB) Record(ctx context.Context, a *ledger.Attempt) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO attempts (`+attemptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.ID, a.SessionID, a.ContactName, a.ContactPhone, a.Tier, a.Round,
		a.Message, a.Status, a.Tries, a.ProviderMessageID, a.FailureReason,
		formatTime(a.CreatedAt), formatTimePtr(a.SentAt), formatTimePtr(a.DeliveredAt),
		formatTime(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

// Update overwrites the mutable fields of an attempt.
func (db *DB) Update(ctx context.Context, a *ledger.Attempt) error {
	result, err := db.conn.ExecContext(ctx, `
		UPDATE attempts
		SET message = ?, status = ?, tries = ?, provider_message_id = ?,
		    failure_reason = ?, sent_at = ?, delivered_at = ?, updated_at = ?
		WHERE id = ?
	`,
		a.Message, a.Status, a.Tries, a.ProviderMessageID, a.FailureReason,
		formatTimePtr(a.SentAt), formatTimePtr(a.DeliveredAt), formatTime(a.UpdatedAt),
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update attempt: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

// ListBySession returns a session's attempts oldest first.
func (db *DB) ListBySession(ctx context.Context, sessionID string) ([]*ledger.Attempt, error) {
	return db.queryAttempts(ctx, `
		SELECT `+attemptColumns+`
		FROM attempts
		WHERE session_id = ?
		ORDER BY created_at, rowid
	`, sessionID)
}

// ListOutstanding returns pending or failed session attempts of tier,
// oldest first.
func (db *DB) ListOutstanding(ctx context.Context, tier session.Tier) ([]*ledger.Attempt, error) {
	return db.queryAttempts(ctx, `
		SELECT `+attemptColumns+`
		FROM attempts
		WHERE tier = ? AND status IN (?, ?) AND session_id <> ''
		ORDER BY created_at, rowid
	`, tier, ledger.StatusPending, ledger.StatusFailed)
}

func (db *DB) queryAttempts(ctx context.Context, query string, args ...any) ([]*ledger.Attempt, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	var out []*ledger.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate attempts: %w", err)
	}
	return out, nil
}

// FindByProviderID returns the attempt a carrier message id belongs to.
func (db *DB) FindByProviderID(ctx context.Context, providerMessageID string) (*ledger.Attempt, error) {
	if providerMessageID == "" {
		return nil, ledger.ErrNotFound
	}
	row := db.conn.QueryRowContext(ctx, `
		SELECT `+attemptColumns+`
		FROM attempts
		WHERE provider_message_id = ?
		LIMIT 1
	`, providerMessageID)

	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	return a, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row scanner) (*ledger.Attempt, error) {
	a := &ledger.Attempt{}
	var (
		created, updated string
		sent, delivered  sql.NullString
	)
	err := row.Scan(
		&a.ID, &a.SessionID, &a.ContactName, &a.ContactPhone, &a.Tier, &a.Round,
		&a.Message, &a.Status, &a.Tries, &a.ProviderMessageID, &a.FailureReason,
		&created, &sent, &delivered, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan attempt: %w", err)
	}

	if a.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if a.SentAt, err = parseTimePtr(sent); err != nil {
		return nil, err
	}
	if a.DeliveredAt, err = parseTimePtr(delivered); err != nil {
		return nil, err
	}
	return a, nil
}
