// Package phone validates and canonicalizes contact phone numbers.
//
// The product currently serves the French market only, so every number is
// reduced to the +33 E.164 form before it is sent or recorded.
package phone

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	// CountryCode is prefixed to numbers entered without one.
	CountryCode = "+33"

	// subscriberDigits is the number of digits after the country code.
	subscriberDigits = 9
)

// ErrInvalidPhone is returned when a number cannot be canonicalized.
var ErrInvalidPhone = errors.New("invalid phone number")

var canonicalPattern = regexp.MustCompile(`^\+33[0-9]{9}$`)

// Canonical is a phone number in the single wire format: +33 followed by
// nine digits, no separators.
type Canonical string

// Valid reports whether c is in canonical form.
func (c Canonical) Valid() bool {
	return canonicalPattern.MatchString(string(c))
}

func (c Canonical) String() string {
	return string(c)
}

// InvalidError describes a number that failed normalization.
type InvalidError struct {
	Raw     string
	Cleaned string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid phone number %q (normalized to %q)", e.Raw, e.Cleaned)
}

// Unwrap lets errors.Is match ErrInvalidPhone.
func (e *InvalidError) Unwrap() error {
	return ErrInvalidPhone
}

// Normalize converts raw user input into canonical form.
//
// Rules, applied in order:
//   - drop every character except digits and a leading '+'
//   - 06/07 mobile prefixes lose the trunk '0' and gain +33
//   - anything else without a '+' gains +33
//
// The result must be exactly +33 and nine digits.
func Normalize(raw string) (Canonical, error) {
	cleaned := Clean(raw)

	var out string
	switch {
	case strings.HasPrefix(cleaned, "06"), strings.HasPrefix(cleaned, "07"):
		out = CountryCode + cleaned[1:]
	case strings.HasPrefix(cleaned, "+"):
		out = cleaned
	default:
		out = CountryCode + cleaned
	}

	c := Canonical(out)
	if !c.Valid() {
		return "", &InvalidError{Raw: raw, Cleaned: out}
	}
	return c, nil
}

// MustNormalize is like Normalize but panics on invalid input.
// Intended for tests and hard-coded numbers.
func MustNormalize(raw string) Canonical {
	c, err := Normalize(raw)
	if err != nil {
		panic(err)
	}
	return c
}

// Clean strips separators, keeping digits and a '+' only when it is the
// first retained character.
func Clean(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && b.Len() == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Format renders a canonical number for display as "+33 6 12 34 56 78".
// Non-canonical input is returned unchanged.
func Format(c Canonical) string {
	if !c.Valid() {
		return string(c)
	}
	return groupSubscriber(string(c)[len(CountryCode):])
}

// FormatPartial masks a number while it is being typed, so "0612" reads
// "+33 6 12". Digits beyond the nine subscriber digits are dropped.
func FormatPartial(raw string) string {
	cleaned := Clean(raw)
	if cleaned == "" {
		return ""
	}

	var digits string
	switch {
	case strings.HasPrefix(cleaned, CountryCode):
		digits = cleaned[len(CountryCode):]
	case strings.HasPrefix(cleaned, "+"):
		// Country code still being typed.
		return cleaned
	case strings.HasPrefix(cleaned, "0"):
		digits = cleaned[1:]
	default:
		digits = cleaned
	}

	if len(digits) > subscriberDigits {
		digits = digits[:subscriberDigits]
	}
	if digits == "" {
		return CountryCode
	}
	return groupSubscriber(digits)
}

// groupSubscriber splits up to nine digits into 1+2+2+2+2 groups.
func groupSubscriber(digits string) string {
	parts := []string{CountryCode}
	sizes := []int{1, 2, 2, 2, 2}
	for _, n := range sizes {
		if digits == "" {
			break
		}
		if n > len(digits) {
			n = len(digits)
		}
		parts = append(parts, digits[:n])
		digits = digits[n:]
	}
	return strings.Join(parts, " ")
}
