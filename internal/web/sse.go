package web

import (
	"sync"

	"github.com/RevCBH/safewalk/internal/events"
)

// clientBuffer is how many events a slow subscriber may lag behind
// before events are dropped for it.
const clientBuffer = 256

// Hub fans engine events out to SSE subscribers.
// It runs an event loop in a separate goroutine.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	broadcast  chan events.Event

	done     chan struct{}
	stopOnce sync.Once
}

// Client is one connected event stream. An empty session receives
// every event.
type Client struct {
	id      string
	session string
	events  chan events.Event
}

// NewHub creates a hub. Call Run to start the event loop.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan events.Event, clientBuffer),
		done:       make(chan struct{}),
	}
}

// Run processes registrations and broadcasts until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.events)
			}
			h.clients = make(map[*Client]struct{})
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.events)
			}
			h.mu.Unlock()
		case event := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				if client.session != "" && client.session != event.Session {
					continue
				}
				select {
				case client.events <- event:
				default:
					// Buffer full, drop event for this client
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Stop ends the event loop and closes every client stream. Safe to call
// more than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Register adds a client. It returns false once the hub is stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Broadcast queues an event for every matching client. It never blocks
// after Stop.
func (h *Hub) Broadcast(e events.Event) {
	select {
	case h.broadcast <- e:
	case <-h.done:
	}
}

// Handler adapts the hub to an events.Bus subscription.
func (h *Hub) Handler() events.Handler {
	return h.Broadcast
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// NewClient creates a client that only receives events for session, or
// all events when session is empty.
func NewClient(id, session string) *Client {
	return &Client{
		id:      id,
		session: session,
		events:  make(chan events.Event, clientBuffer),
	}
}
