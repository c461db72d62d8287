// Package web serves the SafeWalk HTTP API and its live event stream.
package web

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/RevCBH/safewalk/internal/events"
)

// DefaultAddr is used when Config.Addr is empty.
const DefaultAddr = "127.0.0.1:8765"

// Config configures the API server.
type Config struct {
	Addr string

	// TwilioAuthToken verifies the X-Twilio-Signature on status
	// callbacks. When empty, every callback is rejected.
	TwilioAuthToken string

	// PublicURL is the externally visible base URL Twilio calls. Needed
	// for signature checks behind a proxy.
	PublicURL string

	Logger *log.Logger
}

// Server is the HTTP front of the escalation engine.
type Server struct {
	addr string
	hub  *Hub

	httpServer   *http.Server
	httpListener net.Listener
	logger       *log.Logger
}

// New creates a server for eng. When bus is non-nil the server subscribes
// to it and streams its events on /api/events.
// Does not start listening - call Start() for that.
func New(cfg Config, eng Engine, bus *events.Bus) (*Server, error) {
	if eng == nil {
		return nil, fmt.Errorf("web: engine is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	hub := NewHub()
	if bus != nil {
		bus.Subscribe(hub.Handler())
	}

	a := &api{
		eng:         eng,
		logger:      logger,
		twilioToken: cfg.TwilioAuthToken,
		publicURL:   cfg.PublicURL,
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           routes(a, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		addr:       cfg.Addr,
		hub:        hub,
		httpServer: httpServer,
		logger:     logger,
	}, nil
}

// routes builds the API mux.
func routes(a *api, hub *Hub) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", HealthHandler)
	mux.HandleFunc("POST /api/sessions", a.StartSessionHandler)
	mux.HandleFunc("GET /api/sessions/{id}", a.StatusHandler)
	mux.HandleFunc("POST /api/sessions/{id}/confirm", a.ConfirmHandler)
	mux.HandleFunc("POST /api/sessions/{id}/cancel", a.CancelHandler)
	mux.HandleFunc("POST /api/sessions/{id}/extend", a.ExtendHandler)
	mux.HandleFunc("POST /api/sessions/{id}/sos", a.SosHandler)
	mux.HandleFunc("POST /api/sessions/{id}/location", a.LocationHandler)
	mux.HandleFunc("GET /api/sessions/{id}/attempts", a.AttemptsHandler)
	mux.HandleFunc("POST /api/sms/test", a.TestSMSHandler)
	mux.HandleFunc("POST /api/webhooks/sms-status", a.SMSStatusHandler)
	mux.HandleFunc("GET /api/events", EventsHandler(hub))
	return mux
}

// Start begins listening. Non-blocking - the server runs in a goroutine.
func (s *Server) Start() error {
	go s.hub.Run()

	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		s.hub.Stop()
		return fmt.Errorf("HTTP listen: %w", err)
	}
	s.httpListener = listener

	// Update addr with actual address (important for ephemeral ports)
	s.addr = listener.Addr().String()

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("HTTP server: %v", err)
		}
	}()

	return nil
}

// Stop closes event streams and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	// Streams would otherwise hold Shutdown until ctx expires.
	s.hub.Stop()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP shutdown: %w", err)
	}
	return nil
}

// Addr returns the HTTP listen address.
func (s *Server) Addr() string {
	return s.addr
}
