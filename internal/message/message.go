// Package message builds the SMS text sent to emergency contacts.
//
// Messages are plain French text. They avoid emoji and characters outside
// the GSM 03.38 alphabet so a typical alert fits in one or two segments.
package message

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/RevCBH/safewalk/internal/session"
)

const (
	DefaultAppName     = "SafeWalk"
	DefaultMapsBaseURL = "https://www.google.com/maps?q="
	DefaultOwnerName   = "Votre contact"

	// maxNoteRunes caps the destination note copied into a message.
	maxNoteRunes = 80
)

// Context carries the dynamic fields of a message.
type Context struct {
	OwnerName string
	Note      string
	Location  *session.Location
}

// ContextFor extracts the message context from a session.
func ContextFor(s *session.Session) Context {
	return Context{
		OwnerName: s.OwnerName,
		Note:      s.Note,
		Location:  s.Location,
	}
}

// Composer renders messages. The zero value uses package defaults.
type Composer struct {
	AppName       string
	MapsBaseURL   string
	FollowUpDelay time.Duration
}

// Compose renders tier with the default Composer.
func Compose(tier session.Tier, ctx Context) string {
	return Composer{}.Compose(tier, ctx)
}

// Compose renders the message body for tier. It performs no I/O.
func (c Composer) Compose(tier session.Tier, ctx Context) string {
	app := c.appName()
	owner := strings.TrimSpace(ctx.OwnerName)
	if owner == "" {
		owner = DefaultOwnerName
	}
	note := cleanNote(ctx.Note)

	var b strings.Builder
	switch tier {
	case session.TierTest:
		fmt.Fprintf(&b, "Test %s : ceci est un SMS de test envoyé depuis l'application. Tout fonctionne !", app)

	case session.TierOverdue:
		fmt.Fprintf(&b, "ALERTE %s\n\n%s n'a pas confirmé son retour à l'heure prévue.", app, owner)
		c.writeNote(&b, note)
		c.writeLocation(&b, "Dernière position connue", ctx.Location)
		b.WriteString("\n\nMerci de vérifier que tout va bien.")

	case session.TierFollowUp:
		fmt.Fprintf(&b, "RELANCE %s - 2e alerte, plus urgente\n\n", app)
		fmt.Fprintf(&b, "%s n'a toujours pas confirmé son retour, %d minutes après la première alerte.",
			owner, int(c.followUpDelay()/time.Minute))
		c.writeLocation(&b, "Dernière position", ctx.Location)
		b.WriteString("\n\nMerci de le contacter rapidement.")

	case session.TierSos:
		fmt.Fprintf(&b, "SOS %s\n\n%s a déclenché une alerte SOS d'urgence !", app, owner)
		c.writeNote(&b, note)
		c.writeLocation(&b, "Position actuelle", ctx.Location)
		b.WriteString("\n\nContactez-le immédiatement ou appelez les secours (112) si nécessaire.")

	case session.TierConfirmation:
		fmt.Fprintf(&b, "%s\n\n%s a confirmé son retour et va bien. Plus besoin de s'inquiéter, merci !", app, owner)

	default:
		fmt.Fprintf(&b, "%s : message d'urgence de %s", app, owner)
	}
	return b.String()
}

// MapLink builds a maps URL for loc.
func (c Composer) MapLink(loc session.Location) string {
	base := c.MapsBaseURL
	if base == "" {
		base = DefaultMapsBaseURL
	}
	return base + strconv.FormatFloat(loc.Latitude, 'f', -1, 64) + "," +
		strconv.FormatFloat(loc.Longitude, 'f', -1, 64)
}

func (c Composer) writeNote(b *strings.Builder, note string) {
	if note == "" {
		return
	}
	fmt.Fprintf(b, "\n\nDestination : %s", note)
}

func (c Composer) writeLocation(b *strings.Builder, label string, loc *session.Location) {
	if loc == nil || !loc.Valid() {
		return
	}
	fmt.Fprintf(b, "\n\n%s :\n%s", label, c.MapLink(*loc))
}

func (c Composer) appName() string {
	if c.AppName == "" {
		return DefaultAppName
	}
	return c.AppName
}

func (c Composer) followUpDelay() time.Duration {
	if c.FollowUpDelay <= 0 {
		return session.FollowUpDelay
	}
	return c.FollowUpDelay
}

// cleanNote collapses whitespace and caps the note length.
func cleanNote(note string) string {
	note = strings.Join(strings.Fields(note), " ")
	r := []rune(note)
	if len(r) > maxNoteRunes {
		note = strings.TrimSpace(string(r[:maxNoteRunes-3])) + "..."
	}
	return note
}
