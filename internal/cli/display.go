package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/RevCBH/safewalk/internal/engine"
	"github.com/RevCBH/safewalk/internal/events"
	"github.com/RevCBH/safewalk/internal/ledger"
	"github.com/RevCBH/safewalk/internal/phone"
	"github.com/RevCBH/safewalk/internal/session"
)

// Styles holds the lipgloss styles for command output
type Styles struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Muted   lipgloss.Style
	OK      lipgloss.Style
	Warn    lipgloss.Style
	Alert   lipgloss.Style
	Pending lipgloss.Style
}

// Symbols used in attempt and status listings
const (
	SymbolDelivered = "✓"
	SymbolSent      = "●"
	SymbolPending   = "○"
	SymbolFailed    = "✗"
)

// DefaultStyles returns the colored styles
func DefaultStyles() Styles {
	return Styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		Label:   lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		Muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		OK:      lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		Warn:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		Alert:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		Pending: lipgloss.NewStyle().Foreground(lipgloss.Color("250")),
	}
}

// PlainStyles renders without any escape codes
func PlainStyles() Styles {
	s := lipgloss.NewStyle()
	return Styles{Title: s, Label: s, Muted: s, OK: s, Warn: s, Alert: s, Pending: s}
}

// stylesFor picks colored output only for a terminal.
func stylesFor(w io.Writer) Styles {
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return DefaultStyles()
	}
	return PlainStyles()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatDuration renders whole minutes and seconds, e.g. "1h05m", "4m30s".
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	switch {
	case h > 0:
		return fmt.Sprintf("%dh%02dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm%02ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

func (st Styles) state(s session.State) string {
	switch s {
	case session.StateConfirmed:
		return st.OK.Render(string(s))
	case session.StateCancelled:
		return st.Muted.Render(string(s))
	case session.StateFollowedUp:
		return st.Alert.Render(string(s))
	default:
		return st.Warn.Render(string(s))
	}
}

func (st Styles) phase(v *engine.StatusView) string {
	secs := func(n int64) time.Duration { return time.Duration(n) * time.Second }
	switch v.Phase {
	case session.PhaseWithinBudget:
		return st.OK.Render(formatDuration(secs(v.RemainingSeconds)) + " left")
	case session.PhaseWithinTolerance:
		return st.Warn.Render("late, " + formatDuration(secs(v.ToleranceLeftSeconds)) + " of tolerance left")
	case session.PhaseOverdue:
		return st.Alert.Render("overdue by " + formatDuration(secs(v.OverdueBySeconds)))
	default:
		return st.Muted.Render(string(v.Phase))
	}
}

func (st Styles) attemptSymbol(s ledger.Status) string {
	switch s {
	case ledger.StatusDelivered:
		return st.OK.Render(SymbolDelivered)
	case ledger.StatusSent:
		return st.OK.Render(SymbolSent)
	case ledger.StatusFailed:
		return st.Alert.Render(SymbolFailed)
	case ledger.StatusWithdrawn:
		return st.Muted.Render(SymbolPending)
	default:
		return st.Pending.Render(SymbolPending)
	}
}

// RenderStatus prints the live view of a session.
func RenderStatus(w io.Writer, st Styles, v *engine.StatusView) {
	s := v.Session
	fmt.Fprintf(w, "%s %s\n", st.Title.Render("Session"), s.ID)
	row := func(label, value string) {
		fmt.Fprintf(w, "  %s %s\n", st.Label.Render(fmt.Sprintf("%-10s", label)), value)
	}
	row("owner", s.OwnerName)
	row("state", st.state(s.State))
	row("due", s.DueTime.Local().Format("Mon 15:04")+fmt.Sprintf(" (+%dm tolerance)", s.ToleranceMinutes))
	row("status", st.phase(v))
	if v.FollowUpAt != nil && s.State == session.StateActive {
		row("follow-up", v.FollowUpAt.Local().Format("15:04"))
	}
	if s.Note != "" {
		row("note", s.Note)
	}
	if s.Location != nil {
		row("location", fmt.Sprintf("%.5f,%.5f", s.Location.Latitude, s.Location.Longitude))
	}
	for i, c := range s.Contacts {
		label := ""
		if i == 0 {
			label = "contacts"
		}
		row(label, c.Name+" "+st.Muted.Render(displayPhone(c.Phone)))
	}
	if len(s.History) > 0 {
		var fired []string
		for _, h := range s.History {
			fired = append(fired, fmt.Sprintf("%s@%s", h.Tier, h.FiredAt.Local().Format("15:04")))
		}
		row("alerts", strings.Join(fired, ", "))
	}
	if v.Degraded {
		fmt.Fprintf(w, "  %s\n", st.Alert.Render("WARNING: some contacts could not be reached"))
	}
}

// RenderAttempts prints a delivery ledger.
func RenderAttempts(w io.Writer, st Styles, attempts []*ledger.Attempt) {
	if len(attempts) == 0 {
		fmt.Fprintln(w, st.Muted.Render("no messages sent"))
		return
	}
	for _, a := range attempts {
		line := fmt.Sprintf("%s %-12s r%d  %-20s %s",
			st.attemptSymbol(a.Status), a.Tier, a.Round,
			a.ContactName+" "+displayPhone(a.ContactPhone), a.Status)
		if a.Tries > 1 {
			line += st.Muted.Render(fmt.Sprintf(" (%d tries)", a.Tries))
		}
		if a.FailureReason != "" {
			line += " " + st.Alert.Render(a.FailureReason)
		}
		fmt.Fprintln(w, line)
	}
}

// RenderSession prints a one-line summary after a state change.
func RenderSession(w io.Writer, st Styles, verb string, s *session.Session) {
	fmt.Fprintf(w, "%s session %s (%s), due %s\n",
		verb, s.ID, st.state(s.State), s.DueTime.Local().Format("Mon 15:04"))
}

// RenderEvent prints one streamed event.
func RenderEvent(w io.Writer, st Styles, e events.Event) {
	line := e.Time.Local().Format("15:04:05") + " " + e.String()
	if e.IsFailure() {
		line = st.Alert.Render(line)
	}
	fmt.Fprintln(w, line)
}

// displayPhone formats canonical numbers and leaves anything else as typed.
func displayPhone(raw string) string {
	if c, err := phone.Normalize(raw); err == nil {
		return phone.Format(c)
	}
	return raw
}
