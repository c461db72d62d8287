package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/RevCBH/safewalk/internal/events"
	"github.com/RevCBH/safewalk/internal/ledger"
	"github.com/RevCBH/safewalk/internal/message"
	"github.com/RevCBH/safewalk/internal/phone"
	"github.com/RevCBH/safewalk/internal/session"
)

// Evaluate is the scheduled entry point. It fires at most one new tier,
// then delivers or retries every alert of the current round that has not
// reached its contacts yet. Terminal sessions are a no-op.
func (e *Engine) Evaluate(ctx context.Context, id string) (out *Outcome, err error) {
	ctx, span := e.tracer.Start(ctx, "engine.Evaluate", trace.WithAttributes(
		attribute.String("session.id", id),
	))
	defer func() { endSpan(span, err) }()

	unlock := e.locks.Lock(id)
	defer unlock()

	s, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	out = newOutcome(s)
	if s.State.Terminal() {
		if err := e.finishConfirmations(ctx, s, out); err != nil {
			e.emit(events.NewEvent(events.EvaluateFailed, s.ID).WithError(err))
			return nil, err
		}
		return out, nil
	}
	if s.State == session.StateCreated {
		return out, nil
	}

	now := e.clock.Now()
	if tier, ok := e.dueTier(s, now); ok {
		s.RecordFired(tier, now)
		if tier == session.TierFollowUp {
			s.State = session.StateFollowedUp
		}
		if err := e.save(ctx, s); err != nil {
			e.emit(events.NewEvent(events.EvaluateFailed, s.ID).WithError(err))
			return nil, err
		}
		out.Fired = append(out.Fired, tier)
		out.State = s.State
		e.logger.Printf("session %s: %s fired (round %d)", s.ID, tier, s.Round)
		e.emit(events.NewEvent(events.TierFired, s.ID).WithTier(string(tier), s.Round))
	}

	tiers := []session.Tier{session.TierOverdue, session.TierFollowUp, session.TierSos}
	if err := e.reconcile(ctx, s, out, tiers...); err != nil {
		e.emit(events.NewEvent(events.EvaluateFailed, s.ID).WithError(err))
		return nil, err
	}
	span.SetAttributes(attribute.Int("attempts", len(out.Attempts)))
	return out, nil
}

// dueTier returns the next tier of the overdue ladder that is due at now.
func (e *Engine) dueTier(s *session.Session, now time.Time) (session.Tier, bool) {
	overdue, fired := s.Fired(session.TierOverdue)
	if !fired {
		if !now.Before(s.OverdueAt()) {
			return session.TierOverdue, true
		}
		return "", false
	}
	if _, fired := s.Fired(session.TierFollowUp); fired {
		return "", false
	}
	if !now.Before(overdue.FiredAt.Add(e.cfg.FollowUpDelay)) {
		return session.TierFollowUp, true
	}
	return "", false
}

// target is one distinct destination for a fan-out.
type target struct {
	contact   session.Contact
	canonical phone.Canonical
	err       error
}

// key is what the ledger stores as ContactPhone: the canonical number, or
// the number as entered when it could not be normalized.
func (t target) key() string {
	if t.err != nil {
		return t.contact.Phone
	}
	return string(t.canonical)
}

// targets normalizes contacts in stored order, dropping later contacts that
// share a canonical number with an earlier one.
func targets(contacts []session.Contact) []target {
	seen := make(map[string]bool, len(contacts))
	out := make([]target, 0, len(contacts))
	for _, c := range contacts {
		canonical, err := phone.Normalize(c.Phone)
		t := target{contact: c, canonical: canonical, err: err}
		if seen[t.key()] {
			continue
		}
		seen[t.key()] = true
		out = append(out, t)
	}
	return out
}

// reconcile makes sure every fired tier of the current round has an attempt
// per contact, retrying failures that still have tries left. A contact that
// fails never stops the others; a persistence failure stops everything.
func (e *Engine) reconcile(ctx context.Context, s *session.Session, out *Outcome, tiers ...session.Tier) error {
	existing, err := e.ledger.ListBySession(ctx, s.ID)
	if err != nil {
		return persistence("list attempts", err)
	}
	byKey := make(map[ledger.Key]*ledger.Attempt, len(existing))
	for _, a := range existing {
		byKey[a.Key()] = a
	}

	degraded := s.Degraded
	for _, tier := range tiers {
		if _, fired := s.Fired(tier); !fired {
			continue
		}

		var body string
		for _, t := range targets(s.Contacts) {
			key := ledger.Key{SessionID: s.ID, Round: s.Round, Tier: tier, ContactPhone: t.key()}
			a, ok := byKey[key]
			switch {
			case !ok:
				if body == "" {
					body = e.compose(s, tier)
				}
				a, err = e.deliverNew(ctx, s.ID, s.Round, tier, t, body)
			case e.retryable(a):
				err = e.retry(ctx, a)
			default:
				if a.Status == ledger.StatusFailed {
					degraded = true
				}
				continue
			}
			if err != nil {
				return err
			}
			out.Attempts = append(out.Attempts, a)
			if a.Status == ledger.StatusFailed && !e.retryable(a) {
				degraded = true
				e.logger.Printf("session %s: giving up on %s for %s after %d tries: %s",
					s.ID, tier, a.ContactPhone, a.Tries, a.FailureReason)
				e.emit(events.NewEvent(events.SmsGaveUp, s.ID).
					WithTier(string(tier), s.Round).WithContact(a.ContactPhone))
			}
		}
	}

	if degraded && !s.Degraded {
		s.Degraded = true
		s.UpdatedAt = e.clock.Now()
		if err := e.save(ctx, s); err != nil {
			return err
		}
		e.emit(events.NewEvent(events.SessionDegraded, s.ID))
	}
	out.Degraded = s.Degraded
	return nil
}

// finishConfirmations sends the confirmation messages a closed session
// still owes, within the same try budget as alerts. It only touches
// existing attempts; the session itself stays as it is. Queued messages
// of a cancelled session, or of another round, are withdrawn.
func (e *Engine) finishConfirmations(ctx context.Context, s *session.Session, out *Outcome) error {
	attempts, err := e.ledger.ListBySession(ctx, s.ID)
	if err != nil {
		return persistence("list attempts", err)
	}

	for _, a := range attempts {
		if a.Tier != session.TierConfirmation || !a.Outstanding() {
			continue
		}
		if s.State != session.StateConfirmed || a.Round != s.Round {
			if err := e.withdraw(ctx, s, a); err != nil {
				return err
			}
			continue
		}
		if !e.retryable(a) {
			continue
		}
		if err := e.retry(ctx, a); err != nil {
			return err
		}
		out.Attempts = append(out.Attempts, a)
		if a.Status == ledger.StatusFailed && !e.retryable(a) {
			e.logger.Printf("session %s: giving up on confirmation for %s after %d tries: %s",
				s.ID, a.ContactPhone, a.Tries, a.FailureReason)
			e.emit(events.NewEvent(events.SmsGaveUp, s.ID).
				WithTier(string(a.Tier), a.Round).WithContact(a.ContactPhone))
		}
	}
	return nil
}

func (e *Engine) withdraw(ctx context.Context, s *session.Session, a *ledger.Attempt) error {
	reason := fmt.Sprintf("session %s before it was sent", s.State)
	if a.Round != s.Round {
		reason = fmt.Sprintf("superseded by round %d", s.Round)
	}
	a.MarkWithdrawn(reason, e.clock.Now())
	if err := e.ledger.Update(ctx, a); err != nil {
		return persistence("update attempt", err)
	}
	e.logger.Printf("session %s: withdrew %s for %s: %s", s.ID, a.Tier, a.ContactPhone, reason)
	return nil
}

// retryable reports whether a later evaluation should send a again.
// Numbers that cannot be normalized are never retried. A pending attempt
// found here was interrupted before its outcome was written.
func (e *Engine) retryable(a *ledger.Attempt) bool {
	if !a.Outstanding() || a.Tries >= e.cfg.MaxSendAttempts {
		return false
	}
	_, err := phone.Normalize(a.ContactPhone)
	return err == nil
}

func (e *Engine) compose(s *session.Session, tier session.Tier) string {
	body := e.composer.Compose(tier, message.ContextFor(s))
	enc, n := message.Segments(body)
	e.logger.Printf("session %s: composed %s message, %d %s segment(s)", s.ID, tier, n, enc)
	return body
}

// newAttempt builds a pending attempt for one target.
func (e *Engine) newAttempt(sessionID string, round int, tier session.Tier, t target, body string) *ledger.Attempt {
	now := e.clock.Now()
	return &ledger.Attempt{
		ID:           e.newID(),
		SessionID:    sessionID,
		ContactName:  t.contact.Name,
		ContactPhone: t.key(),
		Tier:         tier,
		Round:        round,
		Message:      body,
		Status:       ledger.StatusPending,
		Tries:        1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// deliverNew records a pending attempt, then sends. Without the record
// there is no send.
func (e *Engine) deliverNew(ctx context.Context, sessionID string, round int, tier session.Tier, t target, body string) (*ledger.Attempt, error) {
	a := e.newAttempt(sessionID, round, tier, t, body)

	if t.err != nil {
		a.MarkFailed(t.err.Error(), a.CreatedAt)
		if err := e.ledger.Record(ctx, a); err != nil {
			return nil, persistence("record attempt", err)
		}
		e.logger.Printf("session %s: skipping %s for %s: %v", sessionID, tier, t.contact.Name, t.err)
		e.emit(events.NewEvent(events.SmsFailed, sessionID).
			WithTier(string(tier), round).WithContact(a.ContactPhone).WithError(t.err))
		return a, nil
	}

	if err := e.ledger.Record(ctx, a); err != nil {
		return nil, persistence("record attempt", err)
	}
	if err := e.send(ctx, a, t.canonical); err != nil {
		return nil, err
	}
	return a, nil
}

// retry bumps the try counter, persists it, then sends again. An attempt
// queued with no tries yet gets its first send here.
func (e *Engine) retry(ctx context.Context, a *ledger.Attempt) error {
	canonical, err := phone.Normalize(a.ContactPhone)
	if err != nil {
		return fmt.Errorf("retry %s: %w", a.ID, err)
	}

	a.Tries++
	a.Status = ledger.StatusPending
	a.UpdatedAt = e.clock.Now()
	if err := e.ledger.Update(ctx, a); err != nil {
		return persistence("update attempt", err)
	}
	if a.Tries > 1 {
		e.emit(events.NewEvent(events.SmsRetry, a.SessionID).
			WithTier(string(a.Tier), a.Round).WithContact(a.ContactPhone).WithPayload(a.Tries))
	}
	return e.send(ctx, a, canonical)
}

// send calls the carrier for a pending attempt and writes the outcome.
// Only a ledger failure is returned; carrier failures land on the attempt.
func (e *Engine) send(ctx context.Context, a *ledger.Attempt, to phone.Canonical) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ctx, span := e.tracer.Start(ctx, "sms.Send", trace.WithAttributes(
		attribute.String("sms.provider", e.transport.Name()),
		attribute.String("sms.tier", string(a.Tier)),
		attribute.Int("sms.try", a.Tries),
	))
	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	receipt, sendErr := e.transport.Send(sendCtx, to, a.Message)
	cancel()
	endSpan(span, sendErr)

	now := e.clock.Now()
	ev := events.NewEvent(events.SmsSent, a.SessionID).
		WithTier(string(a.Tier), a.Round).WithContact(a.ContactPhone)
	if sendErr != nil {
		reason := sendErr.Error()
		if errors.Is(sendErr, context.DeadlineExceeded) {
			reason = fmt.Sprintf("timed out after %s: %s", e.cfg.SendTimeout, reason)
		}
		a.MarkFailed(reason, now)
		ev.Type = events.SmsFailed
		ev = ev.WithError(sendErr)
		e.logger.Printf("session %s: %s to %s failed (try %d): %v", a.SessionID, a.Tier, a.ContactPhone, a.Tries, sendErr)
	} else {
		a.MarkSent(receipt.MessageID, now)
		ev = ev.WithPayload(receipt.MessageID)
	}

	if err := e.ledger.Update(ctx, a); err != nil {
		return persistence("update attempt", err)
	}
	e.emit(ev)
	return nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
