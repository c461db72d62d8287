// Package engine is the escalation engine: it decides which alert tier is
// due for a session, fans messages out to every contact, and records each
// outcome in the delivery ledger.
//
// Every operation on a session runs under that session's lock, so a
// scheduled evaluation and a user action never interleave. Different
// sessions proceed in parallel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/RevCBH/safewalk/internal/clock"
	"github.com/RevCBH/safewalk/internal/events"
	"github.com/RevCBH/safewalk/internal/ledger"
	"github.com/RevCBH/safewalk/internal/message"
	"github.com/RevCBH/safewalk/internal/session"
	"github.com/RevCBH/safewalk/internal/sms"
	"github.com/RevCBH/safewalk/internal/telemetry"
)

var (
	// ErrNotFound is returned when the session (or attempt) does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTerminal is returned for user actions on a confirmed or cancelled
	// session.
	ErrTerminal = errors.New("session is closed")

	// ErrInvalidSession is returned by StartSession for configuration
	// errors. Nothing is persisted.
	ErrInvalidSession = errors.New("invalid session")

	// ErrInvalidArgument is returned for out-of-range request values.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrPersistenceUnavailable is returned when the store or ledger failed.
	// No message is sent without a ledger record.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
)

// MaxExtendMinutes bounds a single ExtendDeadline call (12 hours).
const MaxExtendMinutes = 720

// Config tunes escalation timing and delivery.
type Config struct {
	// FollowUpDelay is the wait between the overdue alert and the follow-up
	FollowUpDelay time.Duration

	// SendTimeout bounds each carrier call
	SendTimeout time.Duration

	// MaxSendAttempts is the total number of tries per (contact, tier)
	// before the session is flagged degraded
	MaxSendAttempts int
}

// DefaultConfig returns the production escalation settings.
func DefaultConfig() Config {
	return Config{
		FollowUpDelay:   session.FollowUpDelay,
		SendTimeout:     10 * time.Second,
		MaxSendAttempts: 3,
	}
}

// Deps are the engine's collaborators. Sessions, Ledger and Transport are
// required; the rest have defaults.
type Deps struct {
	Sessions  session.Store
	Ledger    ledger.Ledger
	Transport sms.Transport
	Clock     clock.Clock
	Composer  message.Composer
	Logger    *log.Logger
	Bus       *events.Bus
	Tracer    trace.Tracer
}

// Engine owns the escalation state machine.
type Engine struct {
	cfg       Config
	sessions  session.Store
	ledger    ledger.Ledger
	transport sms.Transport
	clock     clock.Clock
	composer  message.Composer
	logger    *log.Logger
	bus       *events.Bus
	tracer    trace.Tracer
	locks     *keyedMutex
	newID     func() string
}

// New creates an engine. Zero config fields take their defaults.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Sessions == nil {
		return nil, fmt.Errorf("engine: session store is required")
	}
	if deps.Ledger == nil {
		return nil, fmt.Errorf("engine: ledger is required")
	}
	if deps.Transport == nil {
		return nil, fmt.Errorf("engine: sms transport is required")
	}

	def := DefaultConfig()
	if cfg.FollowUpDelay <= 0 {
		cfg.FollowUpDelay = def.FollowUpDelay
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.MaxSendAttempts <= 0 {
		cfg.MaxSendAttempts = def.MaxSendAttempts
	}

	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.Tracer()
	}
	if deps.Composer.FollowUpDelay == 0 {
		deps.Composer.FollowUpDelay = cfg.FollowUpDelay
	}

	return &Engine{
		cfg:       cfg,
		sessions:  deps.Sessions,
		ledger:    deps.Ledger,
		transport: deps.Transport,
		clock:     deps.Clock,
		composer:  deps.Composer,
		logger:    deps.Logger,
		bus:       deps.Bus,
		tracer:    deps.Tracer,
		locks:     newKeyedMutex(),
		newID:     func() string { return ulid.Make().String() },
	}, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Outcome reports what a single evaluation or SOS did.
type Outcome struct {
	SessionID string        `json:"session_id"`
	State     session.State `json:"state"`
	Round     int           `json:"round"`

	// Fired lists tiers that started fan-out during this call
	Fired []session.Tier `json:"fired,omitempty"`

	// Attempts are the ledger entries created or retried during this call
	Attempts []*ledger.Attempt `json:"attempts,omitempty"`

	Degraded bool `json:"degraded"`
}

func newOutcome(s *session.Session) *Outcome {
	return &Outcome{SessionID: s.ID, State: s.State, Round: s.Round, Degraded: s.Degraded}
}

// load fetches a session and maps store errors to engine sentinels.
func (e *Engine) load(ctx context.Context, id string) (*session.Session, error) {
	s, err := e.sessions.Get(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, persistence("load session", err)
	}
	return s, nil
}

func (e *Engine) save(ctx context.Context, s *session.Session) error {
	if err := e.sessions.Save(ctx, s); err != nil {
		return persistence("save session", err)
	}
	return nil
}

func persistence(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrPersistenceUnavailable, err)
}

func (e *Engine) emit(ev events.Event) {
	e.bus.Emit(ev)
}
