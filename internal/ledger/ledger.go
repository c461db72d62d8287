// Package ledger records every SMS send attempt and its outcome.
//
// The ledger is the support and debugging view of delivery: end users only
// see whether a session is active or overdue, while every failure reason is
// kept here.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/RevCBH/safewalk/internal/session"
)

// Status is the delivery status of an attempt.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"

	// StatusWithdrawn marks a queued message that will never be sent
	// because its session closed first.
	StatusWithdrawn Status = "withdrawn"
)

// Reached reports whether the carrier accepted the message.
func (s Status) Reached() bool {
	return s == StatusSent || s == StatusDelivered
}

// ErrNotFound is returned when no attempt matches.
var ErrNotFound = errors.New("attempt not found")

// Attempt is one (session, round, contact, tier) delivery record. Retries
// update the same record instead of adding another.
type Attempt struct {
	ID                string       `json:"id"`
	SessionID         string       `json:"session_id"`
	ContactName       string       `json:"contact_name"`
	ContactPhone      string       `json:"contact_phone"`
	Tier              session.Tier `json:"tier"`
	Round             int          `json:"round"`
	Message           string       `json:"message"`
	Status            Status       `json:"status"`
	Tries             int          `json:"tries"`
	ProviderMessageID string       `json:"provider_message_id,omitempty"`
	FailureReason     string       `json:"failure_reason,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	SentAt            *time.Time   `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time   `json:"delivered_at,omitempty"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// Key identifies the idempotency slot an attempt occupies.
type Key struct {
	SessionID    string
	Round        int
	Tier         session.Tier
	ContactPhone string
}

// Key returns the attempt's idempotency key.
func (a *Attempt) Key() Key {
	return Key{SessionID: a.SessionID, Round: a.Round, Tier: a.Tier, ContactPhone: a.ContactPhone}
}

// MarkSent records carrier acceptance.
func (a *Attempt) MarkSent(providerID string, at time.Time) {
	a.Status = StatusSent
	a.ProviderMessageID = providerID
	a.FailureReason = ""
	a.SentAt = &at
	a.UpdatedAt = at
}

// MarkFailed records a failure with its reason.
func (a *Attempt) MarkFailed(reason string, at time.Time) {
	a.Status = StatusFailed
	a.FailureReason = reason
	a.UpdatedAt = at
}

// MarkWithdrawn takes a queued message out of the send queue for good.
func (a *Attempt) MarkWithdrawn(reason string, at time.Time) {
	a.Status = StatusWithdrawn
	a.FailureReason = reason
	a.UpdatedAt = at
}

// MarkDelivered records a handset delivery report.
func (a *Attempt) MarkDelivered(at time.Time) {
	a.Status = StatusDelivered
	a.DeliveredAt = &at
	a.UpdatedAt = at
}

// Ledger is the persistence contract for attempts.
type Ledger interface {
	// Record inserts a new attempt.
	Record(ctx context.Context, a *Attempt) error

	// Update overwrites the mutable fields of an existing attempt.
	Update(ctx context.Context, a *Attempt) error

	// ListBySession returns a session's attempts in creation order.
	ListBySession(ctx context.Context, sessionID string) ([]*Attempt, error)

	// FindByProviderID looks up the attempt a carrier report refers to.
	FindByProviderID(ctx context.Context, providerMessageID string) (*Attempt, error)

	// ListOutstanding returns the session attempts of tier that are still
	// pending or failed, in creation order. Diagnostic sends are excluded.
	ListOutstanding(ctx context.Context, tier session.Tier) ([]*Attempt, error)
}

// Outstanding reports whether the attempt may still be sent.
func (a *Attempt) Outstanding() bool {
	return a.Status == StatusPending || a.Status == StatusFailed
}
