package sms

import (
	"context"
	"errors"

	"github.com/RevCBH/safewalk/internal/phone"
)

// Fallback tries transports in order and stops at the first one that
// accepts the message, so a call still yields at most one delivered SMS.
type Fallback struct {
	transports []Transport
}

// NewFallback creates a Fallback over the given transports
func NewFallback(transports ...Transport) *Fallback {
	return &Fallback{transports: transports}
}

// Send returns the first successful receipt, or all errors joined.
func (f *Fallback) Send(ctx context.Context, to phone.Canonical, body string) (Receipt, error) {
	if err := checkRecipient(to); err != nil {
		return Receipt{}, err
	}
	if len(f.transports) == 0 {
		return Receipt{}, &TransportError{Provider: f.Name(), Reason: "no transports configured"}
	}

	var errs []error
	for _, t := range f.transports {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		receipt, err := t.Send(ctx, to, body)
		if err == nil {
			return receipt, nil
		}
		errs = append(errs, err)
	}

	joined := errors.Join(errs...)
	// Surface the last provider's code so the ledger records something useful.
	var last *TransportError
	if errors.As(errs[len(errs)-1], &last) {
		return Receipt{}, &TransportError{Provider: f.Name(), Code: last.Code, Reason: joined.Error(), Err: joined}
	}
	return Receipt{}, &TransportError{Provider: f.Name(), Reason: joined.Error(), Err: joined}
}

// Name returns "fallback"
func (f *Fallback) Name() string {
	return "fallback"
}
