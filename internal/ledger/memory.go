package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/RevCBH/safewalk/internal/session"
)

// Memory is the in-process reference Ledger. Safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	attempts []*Attempt
	byID     map[string]*Attempt
}

// NewMemory creates an empty ledger.
func NewMemory() *Memory {
	return &Memory{byID: make(map[string]*Attempt)}
}

func (m *Memory) Record(_ context.Context, a *Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.ID == "" {
		return fmt.Errorf("attempt id is required")
	}
	if _, exists := m.byID[a.ID]; exists {
		return fmt.Errorf("attempt %s already recorded", a.ID)
	}
	c := clone(a)
	m.attempts = append(m.attempts, c)
	m.byID[a.ID] = c
	return nil
}

func (m *Memory) Update(_ context.Context, a *Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.byID[a.ID]
	if !ok {
		return ErrNotFound
	}
	*cur = *clone(a)
	return nil
}

func (m *Memory) ListBySession(_ context.Context, sessionID string) ([]*Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Attempt
	for _, a := range m.attempts {
		if a.SessionID == sessionID {
			out = append(out, clone(a))
		}
	}
	return out, nil
}

func (m *Memory) ListOutstanding(_ context.Context, tier session.Tier) ([]*Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Attempt
	for _, a := range m.attempts {
		if a.SessionID != "" && a.Tier == tier && a.Outstanding() {
			out = append(out, clone(a))
		}
	}
	return out, nil
}

func (m *Memory) FindByProviderID(_ context.Context, providerMessageID string) (*Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.attempts {
		if providerMessageID != "" && a.ProviderMessageID == providerMessageID {
			return clone(a), nil
		}
	}
	return nil, ErrNotFound
}

// All returns every attempt, for tests and debugging.
func (m *Memory) All() []*Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Attempt, len(m.attempts))
	for i, a := range m.attempts {
		out[i] = clone(a)
	}
	return out
}

func clone(a *Attempt) *Attempt {
	c := *a
	if a.SentAt != nil {
		t := *a.SentAt
		c.SentAt = &t
	}
	if a.DeliveredAt != nil {
		t := *a.DeliveredAt
		c.DeliveredAt = &t
	}
	return &c
}
