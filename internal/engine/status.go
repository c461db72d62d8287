package engine

import (
	"context"
	"time"

	"github.com/RevCBH/safewalk/internal/ledger"
	"github.com/RevCBH/safewalk/internal/session"
)

// StatusView is what a client needs to render a session: where it stands
// against its deadline, whether contacts are set, and whether delivery is
// degraded. Delivery details stay in the ledger.
type StatusView struct {
	Session              *session.Session `json:"session"`
	Phase                session.Phase    `json:"phase"`
	RemainingSeconds     int64            `json:"remaining_seconds"`
	ToleranceLeftSeconds int64            `json:"tolerance_left_seconds"`
	OverdueBySeconds     int64            `json:"overdue_by_seconds"`
	OverdueAt            time.Time        `json:"overdue_at"`
	FollowUpAt           *time.Time       `json:"follow_up_at,omitempty"`
	ContactsConfigured   bool             `json:"contacts_configured"`
	Degraded             bool             `json:"degraded"`
}

// Status reads a session and its clock without taking the session lock.
func (e *Engine) Status(ctx context.Context, id string) (*StatusView, error) {
	s, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.view(s), nil
}

func (e *Engine) view(s *session.Session) *StatusView {
	b := s.Budget(e.clock.Now())
	v := &StatusView{
		Session:              s,
		Phase:                b.Phase,
		RemainingSeconds:     int64(b.Remaining / time.Second),
		ToleranceLeftSeconds: int64(b.ToleranceLeft / time.Second),
		OverdueBySeconds:     int64(b.OverdueBy / time.Second),
		OverdueAt:            b.OverdueAt,
		ContactsConfigured:   len(s.Contacts) >= session.MinContacts,
		Degraded:             s.Degraded,
	}
	if !s.State.Terminal() {
		if at, ok := s.FollowUpAt(e.cfg.FollowUpDelay); ok {
			if _, fired := s.Fired(session.TierFollowUp); !fired {
				v.FollowUpAt = &at
			}
		}
	}
	return v
}

// Attempts returns a session's ledger entries, oldest first.
func (e *Engine) Attempts(ctx context.Context, id string) ([]*ledger.Attempt, error) {
	if _, err := e.load(ctx, id); err != nil {
		return nil, err
	}
	attempts, err := e.ledger.ListBySession(ctx, id)
	if err != nil {
		return nil, persistence("list attempts", err)
	}
	return attempts, nil
}

// ActiveSessions returns the ids a scheduler should evaluate: open
// sessions, plus closed ones that still owe a confirmation message.
func (e *Engine) ActiveSessions(ctx context.Context) ([]string, error) {
	ids, err := e.sessions.ListActive(ctx)
	if err != nil {
		return nil, persistence("list active sessions", err)
	}
	owed, err := e.ledger.ListOutstanding(ctx, session.TierConfirmation)
	if err != nil {
		return nil, persistence("list outstanding confirmations", err)
	}

	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	for _, a := range owed {
		if seen[a.SessionID] {
			continue
		}
		// Exhausted rows are final; listing them would evaluate forever.
		if !e.retryable(a) {
			continue
		}
		seen[a.SessionID] = true
		ids = append(ids, a.SessionID)
	}
	return ids, nil
}
