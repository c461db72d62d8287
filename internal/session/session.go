// Package session holds the safety session data model, the time budget
// calculation for a session, and the persistence contract for sessions.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Contact limits for a session that is allowed to become active.
const (
	MinContacts = 1
	MaxContacts = 5
)

// State is the escalation state of a session.
type State string

const (
	StateCreated    State = "created"
	StateActive     State = "active"
	StateFollowedUp State = "followed_up"
	StateConfirmed  State = "confirmed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateCancelled
}

// Tier is the category of an alert message.
type Tier string

const (
	TierTest         Tier = "test"
	TierOverdue      Tier = "overdue"
	TierFollowUp     Tier = "followup"
	TierSos          Tier = "sos"
	TierConfirmation Tier = "confirmation"
)

// IsAlert reports whether the tier warns contacts about the user.
// Confirmation and Test are informational.
func (t Tier) IsAlert() bool {
	return t == TierOverdue || t == TierFollowUp || t == TierSos
}

// ParseTier converts a stored tier name back to a Tier.
func ParseTier(s string) (Tier, error) {
	switch t := Tier(s); t {
	case TierTest, TierOverdue, TierFollowUp, TierSos, TierConfirmation:
		return t, nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// Location is the last known position attached to a session.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Valid reports whether the coordinates are within WGS84 bounds.
func (l Location) Valid() bool {
	return l.Latitude >= -90 && l.Latitude <= 90 &&
		l.Longitude >= -180 && l.Longitude <= 180
}

// Contact is an emergency contact. Phone is kept exactly as entered.
type Contact struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// HistoryEntry records that a tier fired for a round.
type HistoryEntry struct {
	Tier    Tier      `json:"tier"`
	Round   int       `json:"round"`
	FiredAt time.Time `json:"fired_at"`
}

// Session is one planned outing.
type Session struct {
	ID               string         `json:"id"`
	OwnerName        string         `json:"owner_name"`
	DueTime          time.Time      `json:"due_time"`
	ToleranceMinutes int            `json:"tolerance_minutes"`
	Note             string         `json:"note,omitempty"`
	Location         *Location      `json:"location,omitempty"`
	Contacts         []Contact      `json:"contacts"`
	State            State          `json:"state"`
	History          []HistoryEntry `json:"history"`

	// Round increments when the deadline is extended after an alert fired,
	// so the overdue/follow-up ladder can run again for the new deadline.
	Round int `json:"round"`

	// Degraded is set once a contact could not be reached after all retries.
	Degraded bool `json:"degraded"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// ErrInvalid marks configuration errors that keep a session in Created.
var ErrInvalid = errors.New("invalid session")

// New builds a session in the Created state. It does not validate; call
// Activate to start the clock.
func New(id, owner string, due time.Time, toleranceMinutes int, note string, contacts []Contact, now time.Time) *Session {
	cs := make([]Contact, len(contacts))
	copy(cs, contacts)
	return &Session{
		ID:               id,
		OwnerName:        strings.TrimSpace(owner),
		DueTime:          due,
		ToleranceMinutes: toleranceMinutes,
		Note:             strings.TrimSpace(note),
		Contacts:         cs,
		State:            StateCreated,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Validate checks the invariants required to leave Created.
// All problems are reported together.
func (s *Session) Validate() error {
	var errs []error
	if s.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if s.OwnerName == "" {
		errs = append(errs, errors.New("owner name is required"))
	}
	if s.DueTime.IsZero() {
		errs = append(errs, errors.New("due time is required"))
	}
	if s.ToleranceMinutes < 0 {
		errs = append(errs, fmt.Errorf("tolerance must be non-negative, got %d", s.ToleranceMinutes))
	}
	if n := len(s.Contacts); n < MinContacts || n > MaxContacts {
		errs = append(errs, fmt.Errorf("need %d to %d contacts, got %d", MinContacts, MaxContacts, n))
	}
	for i, c := range s.Contacts {
		if strings.TrimSpace(c.Name) == "" {
			errs = append(errs, fmt.Errorf("contacts[%d]: name is required", i))
		}
		if strings.TrimSpace(c.Phone) == "" {
			errs = append(errs, fmt.Errorf("contacts[%d]: phone is required", i))
		}
	}
	if s.Location != nil && !s.Location.Valid() {
		errs = append(errs, fmt.Errorf("location out of range: %v,%v", s.Location.Latitude, s.Location.Longitude))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Activate validates the session and moves it from Created to Active.
func (s *Session) Activate(now time.Time) error {
	if s.State != StateCreated {
		return fmt.Errorf("cannot activate session in state %s", s.State)
	}
	if err := s.Validate(); err != nil {
		return err
	}
	s.State = StateActive
	s.UpdatedAt = now
	return nil
}

// Fired returns the history entry for tier in the current round.
func (s *Session) Fired(tier Tier) (HistoryEntry, bool) {
	for _, h := range s.History {
		if h.Tier == tier && h.Round == s.Round {
			return h, true
		}
	}
	return HistoryEntry{}, false
}

// AnyAlertFired reports whether an alert tier fired in any round.
func (s *Session) AnyAlertFired() bool {
	for _, h := range s.History {
		if h.Tier.IsAlert() {
			return true
		}
	}
	return false
}

// RecordFired appends a history entry for tier in the current round.
func (s *Session) RecordFired(tier Tier, at time.Time) {
	s.History = append(s.History, HistoryEntry{Tier: tier, Round: s.Round, FiredAt: at})
	s.UpdatedAt = at
}

// Close moves the session to a terminal state.
func (s *Session) Close(state State, at time.Time) error {
	if !state.Terminal() {
		return fmt.Errorf("%s is not a terminal state", state)
	}
	if s.State.Terminal() {
		return fmt.Errorf("session already %s", s.State)
	}
	s.State = state
	s.UpdatedAt = at
	s.ClosedAt = &at
	return nil
}

// Extend pushes the deadline forward. When an overdue alert already fired in
// the current round, escalation restarts in a new round.
func (s *Session) Extend(extra time.Duration, at time.Time) (reset bool, err error) {
	if s.State != StateActive && s.State != StateFollowedUp {
		return false, fmt.Errorf("cannot extend session in state %s", s.State)
	}
	if extra <= 0 {
		return false, fmt.Errorf("extension must be positive, got %s", extra)
	}

	// Once the grace window has run out the old deadline is spent, whether
	// or not an evaluation noticed, so the new one is measured from now.
	_, fired := s.Fired(TierOverdue)
	base := s.DueTime
	if (fired || !at.Before(s.OverdueAt())) && at.After(base) {
		base = at
	}
	s.DueTime = base.Add(extra)
	if fired {
		s.Round++
		s.State = StateActive
		reset = true
	}
	s.UpdatedAt = at
	return reset, nil
}

// Clone returns a deep copy, so stores never share slices with callers.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Contacts = append([]Contact(nil), s.Contacts...)
	c.History = append([]HistoryEntry(nil), s.History...)
	if s.Location != nil {
		loc := *s.Location
		c.Location = &loc
	}
	if s.ClosedAt != nil {
		closed := *s.ClosedAt
		c.ClosedAt = &closed
	}
	return &c
}
