package session

import "time"

// FollowUpDelay is how long after the overdue alert the follow-up fires.
const FollowUpDelay = 10 * time.Minute

// Phase describes where a session stands against its time budget.
type Phase string

const (
	PhaseNotStarted      Phase = "not_started"
	PhaseWithinBudget    Phase = "within_budget"
	PhaseWithinTolerance Phase = "within_tolerance"
	PhaseOverdue         Phase = "overdue"
	PhaseClosed          Phase = "closed"
)

// Budget is a point-in-time reading of a session's deadline.
type Budget struct {
	Phase Phase `json:"phase"`

	// Remaining is the time left before DueTime; zero once it passed.
	Remaining time.Duration `json:"remaining"`

	// ToleranceLeft is the grace time left before the session is overdue.
	ToleranceLeft time.Duration `json:"tolerance_left"`

	// OverdueBy is how far past DueTime+tolerance the session is.
	OverdueBy time.Duration `json:"overdue_by"`

	OverdueAt time.Time `json:"overdue_at"`
}

// Tolerance returns the grace window as a duration.
func (s *Session) Tolerance() time.Duration {
	return time.Duration(s.ToleranceMinutes) * time.Minute
}

// OverdueAt is the first instant at which the overdue alert is due.
func (s *Session) OverdueAt() time.Time {
	return s.DueTime.Add(s.Tolerance())
}

// FollowUpAt returns when the follow-up becomes due for the current round.
// It reports false until the overdue alert has fired.
func (s *Session) FollowUpAt(delay time.Duration) (time.Time, bool) {
	h, ok := s.Fired(TierOverdue)
	if !ok {
		return time.Time{}, false
	}
	return h.FiredAt.Add(delay), true
}

// Budget computes the session's phase at now.
func (s *Session) Budget(now time.Time) Budget {
	b := Budget{OverdueAt: s.OverdueAt()}

	switch {
	case s.State.Terminal():
		b.Phase = PhaseClosed
		return b
	case s.State == StateCreated:
		b.Phase = PhaseNotStarted
		b.Remaining = positive(s.DueTime.Sub(now))
		b.ToleranceLeft = s.Tolerance()
		return b
	}

	switch {
	case now.Before(s.DueTime):
		b.Phase = PhaseWithinBudget
		b.Remaining = s.DueTime.Sub(now)
		b.ToleranceLeft = s.Tolerance()
	case now.Before(b.OverdueAt):
		b.Phase = PhaseWithinTolerance
		b.ToleranceLeft = b.OverdueAt.Sub(now)
	default:
		b.Phase = PhaseOverdue
		b.OverdueBy = now.Sub(b.OverdueAt)
	}
	return b
}

func positive(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
