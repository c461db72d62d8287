package cli

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/RevCBH/safewalk/internal/engine"
	"github.com/RevCBH/safewalk/internal/events"
	"github.com/RevCBH/safewalk/internal/ledger"
	"github.com/RevCBH/safewalk/internal/session"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{5 * time.Second, "5s"},
		{4*time.Minute + 30*time.Second, "4m30s"},
		{65 * time.Minute, "1h05m"},
		{-90 * time.Second, "1m30s"},
		{1500 * time.Millisecond, "2s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.in), tt.in.String())
	}
}

func TestRenderStatus(t *testing.T) {
	due := time.Date(2026, 3, 14, 22, 0, 0, 0, time.Local)
	followUp := due.Add(40 * time.Minute)
	v := &engine.StatusView{
		Session: &session.Session{
			ID:               "01HX",
			OwnerName:        "Camille",
			DueTime:          due,
			ToleranceMinutes: 10,
			Note:             "Canal Saint-Martin",
			Location:         &session.Location{Latitude: 48.87, Longitude: 2.365},
			Contacts: []session.Contact{
				{Name: "Alice", Phone: "+33612345678"},
				{Name: "Bob", Phone: "not a number"},
			},
			State:   session.StateActive,
			History: []session.HistoryEntry{{Tier: session.TierOverdue, FiredAt: due.Add(10 * time.Minute)}},
		},
		Phase:            session.PhaseOverdue,
		OverdueBySeconds: 125,
		FollowUpAt:       &followUp,
		Degraded:         true,
	}

	var buf bytes.Buffer
	RenderStatus(&buf, PlainStyles(), v)
	out := buf.String()

	assert.Contains(t, out, "Session 01HX")
	assert.Contains(t, out, "Camille")
	assert.Contains(t, out, "(+10m tolerance)")
	assert.Contains(t, out, "overdue by 2m05s")
	assert.Contains(t, out, "follow-up")
	assert.Contains(t, out, "22:40")
	assert.Contains(t, out, "Canal Saint-Martin")
	assert.Contains(t, out, "48.87000,2.36500")
	assert.Contains(t, out, "Alice +33 6 12 34 56 78")
	assert.Contains(t, out, "Bob not a number")
	assert.Contains(t, out, "overdue@22:10")
	assert.Contains(t, out, "WARNING")
	assert.NotContains(t, out, "\x1b[", "plain styles emit no escape codes")
}

func TestRenderStatus_Phases(t *testing.T) {
	s := &session.Session{ID: "S1", State: session.StateActive, DueTime: time.Now()}
	tests := []struct {
		view engine.StatusView
		want string
	}{
		{engine.StatusView{Phase: session.PhaseWithinBudget, RemainingSeconds: 600}, "10m00s left"},
		{engine.StatusView{Phase: session.PhaseWithinTolerance, ToleranceLeftSeconds: 30}, "late, 30s of tolerance left"},
	}
	for _, tt := range tests {
		tt.view.Session = s
		var buf bytes.Buffer
		RenderStatus(&buf, PlainStyles(), &tt.view)
		assert.Contains(t, buf.String(), tt.want)
	}
}

func TestRenderAttempts(t *testing.T) {
	var buf bytes.Buffer
	RenderAttempts(&buf, PlainStyles(), nil)
	assert.Equal(t, "no messages sent\n", buf.String())

	buf.Reset()
	RenderAttempts(&buf, PlainStyles(), []*ledger.Attempt{
		{Tier: session.TierOverdue, ContactName: "Alice", ContactPhone: "+33612345678", Status: ledger.StatusDelivered},
		{Tier: session.TierOverdue, ContactName: "Bob", ContactPhone: "+33698765432", Status: ledger.StatusFailed, Tries: 3, FailureReason: "timeout"},
		{Tier: session.TierFollowUp, Round: 1, ContactName: "Alice", ContactPhone: "+33612345678", Status: ledger.StatusPending},
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if assert.Len(t, lines, 3) {
		assert.True(t, strings.HasPrefix(lines[0], SymbolDelivered))
		assert.True(t, strings.HasPrefix(lines[1], SymbolFailed))
		assert.Contains(t, lines[1], "(3 tries)")
		assert.Contains(t, lines[1], "timeout")
		assert.True(t, strings.HasPrefix(lines[2], SymbolPending))
		assert.Contains(t, lines[2], "r1")
	}
}

func TestRenderEvent(t *testing.T) {
	var buf bytes.Buffer
	e := events.NewEvent(events.SmsGaveUp, "S1").WithContact("+33612345678").WithError(errors.New("carrier down"))
	e.Time = time.Date(2026, 3, 14, 22, 10, 5, 0, time.Local)
	RenderEvent(&buf, PlainStyles(), e)
	assert.Equal(t, `22:10:05 [sms.gave_up] session=S1 to=+33612345678 error="carrier down"`+"\n", buf.String())
}

func TestStylesFor_NonTerminal(t *testing.T) {
	var buf bytes.Buffer
	st := stylesFor(&buf)
	assert.Equal(t, "x", st.Alert.Render("x"))
}
