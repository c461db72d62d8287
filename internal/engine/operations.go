package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/RevCBH/safewalk/internal/events"
	"github.com/RevCBH/safewalk/internal/ledger"
	"github.com/RevCBH/safewalk/internal/message"
	"github.com/RevCBH/safewalk/internal/phone"
	"github.com/RevCBH/safewalk/internal/session"
)

// StartRequest describes a new outing.
type StartRequest struct {
	OwnerName        string            `json:"owner_name"`
	DueTime          time.Time         `json:"due_time"`
	ToleranceMinutes int               `json:"tolerance_minutes"`
	Note             string            `json:"note,omitempty"`
	Location         *session.Location `json:"location,omitempty"`
	Contacts         []session.Contact `json:"contacts"`
}

// StartSession validates and persists a new Active session. Configuration
// errors are returned synchronously and nothing is stored.
func (e *Engine) StartSession(ctx context.Context, req StartRequest) (*session.Session, error) {
	now := e.clock.Now()
	s := session.New(e.newID(), req.OwnerName, req.DueTime, req.ToleranceMinutes, req.Note, req.Contacts, now)
	if req.Location != nil {
		loc := *req.Location
		s.Location = &loc
	}
	if err := s.Activate(now); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSession, err)
	}

	if err := e.sessions.Create(ctx, s); err != nil {
		return nil, persistence("create session", err)
	}

	e.logger.Printf("session %s: started for %s, due %s (+%dm), %d contact(s)",
		s.ID, s.OwnerName, s.DueTime.Format(time.RFC3339), s.ToleranceMinutes, len(s.Contacts))
	e.emit(events.NewEvent(events.SessionStarted, s.ID))
	return s, nil
}

// ConfirmReturn closes the session as Confirmed. If any alert fired, each
// contact that actually received one gets a confirmation message.
//
// Confirmations are queued in the ledger before the session closes, so a
// ledger outage leaves the session open and the call can be repeated.
// Queued messages that cannot be sent now are finished by later
// evaluations.
func (e *Engine) ConfirmReturn(ctx context.Context, id string) (*session.Session, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	s, err := e.openSession(ctx, id)
	if err != nil {
		return nil, err
	}

	queued, err := e.queueConfirmations(ctx, s)
	if err != nil {
		return nil, err
	}

	if err := s.Close(session.StateConfirmed, e.clock.Now()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTerminal, err)
	}
	if err := e.save(ctx, s); err != nil {
		return nil, err
	}
	e.logger.Printf("session %s: confirmed", s.ID)
	e.emit(events.NewEvent(events.SessionConfirmed, s.ID))

	for _, a := range queued {
		if err := e.retry(ctx, a); err != nil {
			e.logger.Printf("session %s: confirmation to %s deferred: %v", s.ID, a.ContactPhone, err)
			break
		}
	}
	return s, nil
}

// queueConfirmations records a pending confirmation, with no tries yet, for
// every contact an alert reached. Rows left by an earlier failed call are
// reused, and rows from other rounds are withdrawn.
func (e *Engine) queueConfirmations(ctx context.Context, s *session.Session) ([]*ledger.Attempt, error) {
	if !s.AnyAlertFired() {
		return nil, nil
	}
	attempts, err := e.ledger.ListBySession(ctx, s.ID)
	if err != nil {
		return nil, persistence("list attempts", err)
	}

	reached := make(map[string]bool)
	earlier := make(map[string]*ledger.Attempt)
	for _, a := range attempts {
		switch {
		case a.Tier.IsAlert() && a.Status.Reached():
			reached[a.ContactPhone] = true
		case a.Tier != session.TierConfirmation || !a.Outstanding():
			// Nothing owed.
		case a.Round == s.Round:
			earlier[a.ContactPhone] = a
		default:
			if err := e.withdraw(ctx, s, a); err != nil {
				return nil, err
			}
		}
	}

	var (
		queued []*ledger.Attempt
		body   string
	)
	for _, t := range targets(s.Contacts) {
		if t.err != nil || !reached[t.key()] {
			continue
		}
		if a, ok := earlier[t.key()]; ok {
			if e.retryable(a) {
				queued = append(queued, a)
			}
			continue
		}
		if body == "" {
			body = e.compose(s, session.TierConfirmation)
		}
		a := e.newAttempt(s.ID, s.Round, session.TierConfirmation, t, body)
		a.Tries = 0
		if err := e.ledger.Record(ctx, a); err != nil {
			return nil, persistence("record attempt", err)
		}
		queued = append(queued, a)
	}
	return queued, nil
}

// CancelSession closes the session without notifying anyone.
func (e *Engine) CancelSession(ctx context.Context, id string) (*session.Session, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	s, err := e.openSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.Close(session.StateCancelled, e.clock.Now()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTerminal, err)
	}
	if err := e.save(ctx, s); err != nil {
		return nil, err
	}
	e.logger.Printf("session %s: cancelled", s.ID)
	e.emit(events.NewEvent(events.SessionCancelled, s.ID))
	return s, nil
}

// ExtendDeadline adds extraMinutes to the deadline. Extending after the
// overdue alert fired starts a new escalation round against the new
// deadline; earlier history and attempts are kept.
func (e *Engine) ExtendDeadline(ctx context.Context, id string, extraMinutes int) (*session.Session, error) {
	if extraMinutes < 1 || extraMinutes > MaxExtendMinutes {
		return nil, fmt.Errorf("%w: extension must be 1..%d minutes, got %d",
			ErrInvalidArgument, MaxExtendMinutes, extraMinutes)
	}

	unlock := e.locks.Lock(id)
	defer unlock()

	s, err := e.openSession(ctx, id)
	if err != nil {
		return nil, err
	}
	reset, err := s.Extend(time.Duration(extraMinutes)*time.Minute, e.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	if err := e.save(ctx, s); err != nil {
		return nil, err
	}

	e.logger.Printf("session %s: extended by %dm, due %s (round %d)",
		s.ID, extraMinutes, s.DueTime.Format(time.RFC3339), s.Round)
	e.emit(events.NewEvent(events.SessionExtended, s.ID).
		WithPayload(map[string]any{"minutes": extraMinutes, "reset": reset, "round": s.Round}))
	return s, nil
}

// TriggerSos sends the SOS tier to every contact immediately. It does not
// change the state; the overdue ladder keeps running. A second trigger in
// the same round only retries contacts that were not reached.
func (e *Engine) TriggerSos(ctx context.Context, id string) (out *Outcome, err error) {
	ctx, span := e.tracer.Start(ctx, "engine.TriggerSos", trace.WithAttributes(
		attribute.String("session.id", id),
	))
	defer func() { endSpan(span, err) }()

	unlock := e.locks.Lock(id)
	defer unlock()

	s, err := e.openSession(ctx, id)
	if err != nil {
		return nil, err
	}
	out = newOutcome(s)

	if _, fired := s.Fired(session.TierSos); !fired {
		s.RecordFired(session.TierSos, e.clock.Now())
		if err := e.save(ctx, s); err != nil {
			return nil, err
		}
		out.Fired = append(out.Fired, session.TierSos)
		e.logger.Printf("session %s: SOS triggered", s.ID)
		e.emit(events.NewEvent(events.TierFired, s.ID).WithTier(string(session.TierSos), s.Round))
	}

	if err := e.reconcile(ctx, s, out, session.TierSos); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateLocation attaches the latest known position to an open session.
func (e *Engine) UpdateLocation(ctx context.Context, id string, loc session.Location) (*session.Session, error) {
	if !loc.Valid() {
		return nil, fmt.Errorf("%w: location out of range: %v,%v", ErrInvalidArgument, loc.Latitude, loc.Longitude)
	}

	unlock := e.locks.Lock(id)
	defer unlock()

	s, err := e.openSession(ctx, id)
	if err != nil {
		return nil, err
	}
	s.Location = &loc
	s.UpdatedAt = e.clock.Now()
	if err := e.save(ctx, s); err != nil {
		return nil, err
	}
	e.emit(events.NewEvent(events.SessionLocated, s.ID))
	return s, nil
}

// openSession loads a session that user actions may still change.
func (e *Engine) openSession(ctx context.Context, id string) (*session.Session, error) {
	s, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.State.Terminal() {
		return nil, fmt.Errorf("session %s is %s: %w", id, s.State, ErrTerminal)
	}
	return s, nil
}

// SendTest sends the diagnostic message to one number. It is recorded in
// the ledger with no session. A carrier failure is reported on the returned
// attempt, not as an error.
func (e *Engine) SendTest(ctx context.Context, rawPhone string) (*ledger.Attempt, error) {
	canonical, err := phone.Normalize(rawPhone)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	t := target{contact: session.Contact{Phone: rawPhone}, canonical: canonical}
	body := e.composer.Compose(session.TierTest, message.Context{})
	return e.deliverNew(ctx, "", 0, session.TierTest, t, body)
}

// RecordDeliveryReport applies a carrier status callback. Only Sent
// attempts move, to Delivered or Failed; anything else is ignored and the
// attempt is returned unchanged.
func (e *Engine) RecordDeliveryReport(ctx context.Context, providerMessageID string, status ledger.Status, reason string) (*ledger.Attempt, error) {
	if status != ledger.StatusDelivered && status != ledger.StatusFailed {
		return nil, fmt.Errorf("%w: unsupported delivery status %q", ErrInvalidArgument, status)
	}

	a, err := e.findAttempt(ctx, providerMessageID)
	if err != nil {
		return nil, err
	}
	if a.SessionID != "" {
		unlock := e.locks.Lock(a.SessionID)
		defer unlock()
		// Reload under the lock; an evaluation may have just written it.
		if a, err = e.findAttempt(ctx, providerMessageID); err != nil {
			return nil, err
		}
	}

	if a.Status != ledger.StatusSent {
		return a, nil
	}

	now := e.clock.Now()
	ev := events.NewEvent(events.SmsDelivered, a.SessionID).
		WithTier(string(a.Tier), a.Round).WithContact(a.ContactPhone)
	if status == ledger.StatusDelivered {
		a.MarkDelivered(now)
	} else {
		if reason == "" {
			reason = "carrier reported failure"
		}
		a.MarkFailed(reason, now)
		ev.Type = events.SmsFailed
		ev.Error = reason
	}
	if err := e.ledger.Update(ctx, a); err != nil {
		return nil, persistence("update attempt", err)
	}
	e.emit(ev)
	return a, nil
}

func (e *Engine) findAttempt(ctx context.Context, providerMessageID string) (*ledger.Attempt, error) {
	a, err := e.ledger.FindByProviderID(ctx, providerMessageID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("message %q: %w", providerMessageID, ErrNotFound)
	}
	if err != nil {
		return nil, persistence("find attempt", err)
	}
	return a, nil
}
