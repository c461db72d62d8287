package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/RevCBH/safewalk/internal/clock"
	"github.com/RevCBH/safewalk/internal/events"
	"github.com/RevCBH/safewalk/internal/ledger"
	"github.com/RevCBH/safewalk/internal/phone"
	"github.com/RevCBH/safewalk/internal/session"
	"github.com/RevCBH/safewalk/internal/sms"
)

var t0 = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

var (
	alice = session.Contact{Name: "Alice", Phone: "06 12 34 56 78"}
	bob   = session.Contact{Name: "Bob", Phone: "+33 6 98 76 54 32"}
	bad   = session.Contact{Name: "Typo", Phone: "123"}
)

const (
	alicePhone = phone.Canonical("+33612345678")
	bobPhone   = phone.Canonical("+33698765432")
)

type sentMessage struct {
	To   phone.Canonical
	Body string
}

// fakeTransport accepts everything except numbers scheduled to fail.
type fakeTransport struct {
	mu    sync.Mutex
	sent  []sentMessage
	fails map[phone.Canonical]int
	block bool
	n     int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{fails: make(map[phone.Canonical]int)}
}

// failNext makes the next n sends to to fail.
func (f *fakeTransport) failNext(to phone.Canonical, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails[to] = n
}

func (f *fakeTransport) Send(ctx context.Context, to phone.Canonical, body string) (sms.Receipt, error) {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return sms.Receipt{}, &sms.TransportError{Provider: "fake", Reason: ctx.Err().Error(), Err: ctx.Err()}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails[to] > 0 {
		f.fails[to]--
		return sms.Receipt{}, &sms.TransportError{Provider: "fake", Code: 30003, Reason: "unreachable handset"}
	}
	f.n++
	f.sent = append(f.sent, sentMessage{To: to, Body: body})
	return sms.Receipt{Provider: "fake", MessageID: fmt.Sprintf("SM%03d", f.n)}, nil
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) sentTo(to phone.Canonical) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var bodies []string
	for _, m := range f.sent {
		if m.To == to {
			bodies = append(bodies, m.Body)
		}
	}
	return bodies
}

var errDiskGone = errors.New("disk I/O error")

// flakyLedger fails writes on demand.
type flakyLedger struct {
	*ledger.Memory
	mu         sync.Mutex
	failRecord bool
}

func (f *flakyLedger) setFailRecord(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failRecord = v
}

func (f *flakyLedger) Record(ctx context.Context, a *ledger.Attempt) error {
	f.mu.Lock()
	fail := f.failRecord
	f.mu.Unlock()
	if fail {
		return errDiskGone
	}
	return f.Memory.Record(ctx, a)
}

// flakyStore fails saves on demand.
type flakyStore struct {
	*session.MemoryStore
	mu       sync.Mutex
	failSave bool
}

func (f *flakyStore) setFailSave(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSave = v
}

func (f *flakyStore) Save(ctx context.Context, s *session.Session) error {
	f.mu.Lock()
	fail := f.failSave
	f.mu.Unlock()
	if fail {
		return errDiskGone
	}
	return f.MemoryStore.Save(ctx, s)
}

type harness struct {
	eng    *Engine
	clk    *clock.Fake
	store  *flakyStore
	ledger *flakyLedger
	sms    *fakeTransport
	logs   *bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, Config{}, nil)
}

func newHarnessWith(t *testing.T, cfg Config, bus *events.Bus) *harness {
	t.Helper()
	h := &harness{
		clk:    clock.NewFake(t0),
		store:  &flakyStore{MemoryStore: session.NewMemoryStore()},
		ledger: &flakyLedger{Memory: ledger.NewMemory()},
		sms:    newFakeTransport(),
		logs:   &bytes.Buffer{},
	}
	eng, err := New(cfg, Deps{
		Sessions:  h.store,
		Ledger:    h.ledger,
		Transport: h.sms,
		Clock:     h.clk,
		Logger:    log.New(&syncWriter{w: h.logs}, "", 0),
		Bus:       bus,
	})
	require.NoError(t, err)
	h.eng = eng
	return h
}

// start opens a session due at t0+due with the given tolerance.
func (h *harness) start(t *testing.T, due time.Duration, tolerance int, contacts ...session.Contact) *session.Session {
	t.Helper()
	s, err := h.eng.StartSession(context.Background(), StartRequest{
		OwnerName:        "Camille",
		DueTime:          t0.Add(due),
		ToleranceMinutes: tolerance,
		Note:             "Parc des Buttes-Chaumont",
		Contacts:         contacts,
	})
	require.NoError(t, err)
	return s
}

func (h *harness) evaluate(t *testing.T, id string) *Outcome {
	t.Helper()
	out, err := h.eng.Evaluate(context.Background(), id)
	require.NoError(t, err)
	return out
}

func (h *harness) session(t *testing.T, id string) *session.Session {
	t.Helper()
	s, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return s
}

// attempts returns the session's attempts for tier.
func (h *harness) attempts(t *testing.T, id string, tier session.Tier) []*ledger.Attempt {
	t.Helper()
	all, err := h.ledger.ListBySession(context.Background(), id)
	require.NoError(t, err)
	var out []*ledger.Attempt
	for _, a := range all {
		if a.Tier == tier {
			out = append(out, a)
		}
	}
	return out
}

type syncWriter struct {
	mu sync.Mutex
	w  *bytes.Buffer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
