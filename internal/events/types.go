package events

import (
	"fmt"
	"strings"
	"time"
)

// Event represents a single occurrence in a session's lifecycle
type Event struct {
	// Time is when the event occurred (set by bus on emit if zero)
	Time time.Time `json:"time"`

	// Type identifies what happened
	Type EventType `json:"type"`

	// Session is the session ID this event relates to (empty for test SMS)
	Session string `json:"session,omitempty"`

	// Tier is the alert tier for tier and sms events
	Tier string `json:"tier,omitempty"`

	// Round is the escalation round the event belongs to
	Round int `json:"round,omitempty"`

	// Contact is the canonical phone for sms events
	Contact string `json:"contact,omitempty"`

	// Payload contains event-specific data (type varies by event)
	Payload any `json:"payload,omitempty"`

	// Error contains error message if this is a failure event
	Error string `json:"error,omitempty"`
}

// EventType is a string constant identifying the event category
type EventType string

// Session lifecycle events
const (
	SessionStarted   EventType = "session.started"
	SessionConfirmed EventType = "session.confirmed"
	SessionCancelled EventType = "session.cancelled"
	SessionExtended  EventType = "session.extended"
	SessionLocated   EventType = "session.located"
	SessionDegraded  EventType = "session.degraded"
)

// Escalation events
const (
	// TierFired is emitted once per (session, round, tier) when fan-out begins
	TierFired EventType = "tier.fired"

	// EvaluateFailed is emitted when an evaluation aborts without sending
	EvaluateFailed EventType = "evaluate.failed"
)

// Delivery events
const (
	SmsSent      EventType = "sms.sent"
	SmsRetry     EventType = "sms.retry"
	SmsFailed    EventType = "sms.failed"
	SmsDelivered EventType = "sms.delivered"
	SmsGaveUp    EventType = "sms.gave_up"
)

// NewEvent creates an event with the given type and session
func NewEvent(eventType EventType, session string) Event {
	return Event{
		Type:    eventType,
		Session: session,
	}
}

// WithTier returns a copy of the event with tier and round set
func (e Event) WithTier(tier string, round int) Event {
	e.Tier = tier
	e.Round = round
	return e
}

// WithContact returns a copy of the event with the contact phone set
func (e Event) WithContact(phone string) Event {
	e.Contact = phone
	return e
}

// WithPayload returns a copy of the event with the payload set
func (e Event) WithPayload(payload any) Event {
	e.Payload = payload
	return e
}

// WithError returns a copy of the event with the error message set
func (e Event) WithError(err error) Event {
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// IsFailure returns true if this is a failure event type
func (e Event) IsFailure() bool {
	return strings.HasSuffix(string(e.Type), ".failed") || e.Type == SmsGaveUp
}

// String returns a human-readable representation of the event
func (e Event) String() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Type))

	if e.Session != "" {
		parts = append(parts, "session="+e.Session)
	}
	if e.Tier != "" {
		parts = append(parts, fmt.Sprintf("tier=%s round=%d", e.Tier, e.Round))
	}
	if e.Contact != "" {
		parts = append(parts, "to="+e.Contact)
	}
	if e.Error != "" {
		parts = append(parts, fmt.Sprintf("error=%q", e.Error))
	}

	return strings.Join(parts, " ")
}
