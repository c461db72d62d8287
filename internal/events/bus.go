package events

import (
	"sync"
	"time"
)

// Handler processes an event. Handlers run on the bus goroutine, in order.
type Handler func(Event)

// Bus provides event distribution across components
type Bus struct {
	Capacity int
	events   chan Event

	// mu guards closed against concurrent Emit; hmu guards handlers.
	mu       sync.RWMutex
	closed   bool
	hmu      sync.Mutex
	handlers []Handler
	done     chan struct{}
	now      func() time.Time
}

// NewBus creates a new event bus with the specified capacity and starts
// dispatching.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 1
	}
	b := &Bus{
		Capacity: capacity,
		events:   make(chan Event, capacity),
		done:     make(chan struct{}),
		now:      time.Now,
	}
	go b.dispatch()
	return b
}

// Subscribe registers a handler for all subsequent events
func (b *Bus) Subscribe(h Handler) {
	b.hmu.Lock()
	defer b.hmu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Emit queues an event. It blocks while the buffer is full and is a no-op
// on a nil or closed bus.
func (b *Bus) Emit(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.events <- e
}

// Close stops accepting events and waits until queued ones are handled
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.events)
	b.mu.Unlock()

	<-b.done
	return nil
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for e := range b.events {
		b.hmu.Lock()
		handlers := append([]Handler(nil), b.handlers...)
		b.hmu.Unlock()

		for _, h := range handlers {
			h(e)
		}
	}
}
