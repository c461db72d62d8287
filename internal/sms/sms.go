// Package sms delivers single text messages through a carrier gateway.
//
// Transports accept only canonical numbers. Normalization happens upstream
// in the escalation engine; a transport never rewrites a destination.
package sms

import (
	"context"
	"errors"
	"fmt"

	"github.com/RevCBH/safewalk/internal/phone"
)

// ErrNotCanonical is returned, without any network call, when the
// destination is not a canonical number.
var ErrNotCanonical = errors.New("destination is not a canonical phone number")

// Receipt identifies an accepted message at the provider.
type Receipt struct {
	Provider  string
	MessageID string
}

// Transport sends one message to one number per call.
type Transport interface {
	// Send delivers body to to. Implementations must respect ctx deadlines.
	Send(ctx context.Context, to phone.Canonical, body string) (Receipt, error)

	// Name returns the transport type for logging
	Name() string
}

// TransportError is a carrier rejection or a failure to reach the carrier.
type TransportError struct {
	Provider string
	// Code is the provider status code, or an HTTP status when the provider
	// gave none. Zero for network errors.
	Code   int
	Reason string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s (code %d)", e.Provider, e.Reason, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Reason)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// checkRecipient guards every transport entry point.
func checkRecipient(to phone.Canonical) error {
	if !to.Valid() {
		return fmt.Errorf("%w: %q", ErrNotCanonical, string(to))
	}
	return nil
}

// networkError wraps an error from the HTTP client.
func networkError(provider string, err error) *TransportError {
	return &TransportError{Provider: provider, Reason: err.Error(), Err: err}
}
