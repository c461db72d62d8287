package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/RevCBH/safewalk/internal/session"
)

// parseDue resolves a deadline. It accepts a duration from now ("45m",
// "+1h30m"), a clock time today or tomorrow ("23:15"), or RFC 3339.
func parseDue(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("due time is required")
	}

	if d, err := time.ParseDuration(strings.TrimPrefix(s, "+")); err == nil {
		if d <= 0 {
			return time.Time{}, fmt.Errorf("due duration must be positive, got %s", s)
		}
		return now.Add(d), nil
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}

	if t, err := time.ParseInLocation("15:04", s, now.Location()); err == nil {
		due := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
		if !due.After(now) {
			due = due.AddDate(0, 0, 1)
		}
		return due, nil
	}

	return time.Time{}, fmt.Errorf("invalid due time %q: use a duration (45m), HH:MM or RFC 3339", s)
}

// parseContact reads "Name=phone".
func parseContact(s string) (session.Contact, error) {
	name, number, ok := strings.Cut(s, "=")
	name, number = strings.TrimSpace(name), strings.TrimSpace(number)
	if !ok || name == "" || number == "" {
		return session.Contact{}, fmt.Errorf("invalid contact %q: want Name=phone", s)
	}
	return session.Contact{Name: name, Phone: number}, nil
}

// parseLocation reads "lat,lon".
func parseLocation(s string) (session.Location, error) {
	latStr, lonStr, ok := strings.Cut(s, ",")
	if !ok {
		return session.Location{}, fmt.Errorf("invalid location %q: want lat,lon", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
	if err != nil {
		return session.Location{}, fmt.Errorf("invalid latitude in %q: %w", s, err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(lonStr), 64)
	if err != nil {
		return session.Location{}, fmt.Errorf("invalid longitude in %q: %w", s, err)
	}
	loc := session.Location{Latitude: lat, Longitude: lon}
	if !loc.Valid() {
		return session.Location{}, fmt.Errorf("location %q out of range", s)
	}
	return loc, nil
}
