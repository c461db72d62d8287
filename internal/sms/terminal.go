package sms

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/RevCBH/safewalk/internal/phone"
)

// Terminal writes messages to a writer instead of a carrier. It is the
// dry-run transport and the default when no carrier is configured.
type Terminal struct {
	mu sync.Mutex // Protects concurrent writes to w
	w  io.Writer
}

// NewTerminal creates a terminal transport writing to stderr
func NewTerminal() *Terminal {
	return NewTerminalWriter(os.Stderr)
}

// NewTerminalWriter creates a terminal transport writing to w
func NewTerminalWriter(w io.Writer) *Terminal {
	return &Terminal{w: w}
}

// Send prints the message and returns a local message id
func (t *Terminal) Send(ctx context.Context, to phone.Canonical, body string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	if err := checkRecipient(to); err != nil {
		return Receipt{}, err
	}

	// Ids must not be guessable: they are accepted by the status webhook.
	id := "term-" + ulid.Make().String()

	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprintf(t.w, "\n📱 [sms %s] to %s\n", id, phone.Format(to))
	fmt.Fprintf(t.w, "%s\n", body)

	return Receipt{Provider: t.Name(), MessageID: id}, nil
}

// Name returns "terminal"
func (t *Terminal) Name() string {
	return "terminal"
}
