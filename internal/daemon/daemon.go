// Package daemon wires configuration, storage, the escalation engine, the
// evaluation scheduler and the HTTP API into one server process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/RevCBH/safewalk/internal/clock"
	"github.com/RevCBH/safewalk/internal/config"
	"github.com/RevCBH/safewalk/internal/db"
	"github.com/RevCBH/safewalk/internal/engine"
	"github.com/RevCBH/safewalk/internal/events"
	"github.com/RevCBH/safewalk/internal/ledger"
	"github.com/RevCBH/safewalk/internal/message"
	"github.com/RevCBH/safewalk/internal/scheduler"
	"github.com/RevCBH/safewalk/internal/session"
	"github.com/RevCBH/safewalk/internal/sms"
	"github.com/RevCBH/safewalk/internal/telemetry"
	"github.com/RevCBH/safewalk/internal/web"
)

// ServiceName identifies the process in traces.
const ServiceName = "safewalk"

// eventBufferSize bounds queued events before Emit blocks.
const eventBufferSize = 1000

// Options override parts of the wiring, mostly for tests.
type Options struct {
	Version string

	// Transport replaces the backends from cfg.SMS
	Transport sms.Transport

	// Clock defaults to the system clock
	Clock clock.Clock

	// LogWriter receives logs and event lines (default: os.Stderr)
	LogWriter io.Writer

	// JSONEvents writes events as JSON lines instead of text
	JSONEvents bool
}

// Daemon is the server process.
type Daemon struct {
	cfg  *config.Config
	opts Options

	db        *db.DB
	pidFile   *PIDFile
	bus       *events.Bus
	engine    *engine.Engine
	scheduler *scheduler.Scheduler
	webServer *web.Server
	logger    *log.Logger

	telemetryShutdown func(context.Context) error

	ready      chan struct{}
	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// New builds every component. Nothing listens until Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Daemon, error) {
	if opts.LogWriter == nil {
		opts.LogWriter = os.Stderr
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	d := &Daemon{
		cfg:        cfg,
		opts:       opts,
		logger:     log.New(opts.LogWriter, "[safewalk] ", log.LstdFlags),
		ready:      make(chan struct{}),
		shutdownCh: make(chan struct{}),
	}

	shutdown, err := telemetry.Setup(ctx, ServiceName, opts.Version, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	d.telemetryShutdown = shutdown

	sessions, attempts, err := d.openStores()
	if err != nil {
		d.closeResources()
		return nil, err
	}

	transport := opts.Transport
	if transport == nil {
		transport, err = sms.FromConfig(smsConfig(cfg))
		if err != nil {
			d.closeResources()
			return nil, fmt.Errorf("failed to configure sms: %w", err)
		}
	}

	d.bus = events.NewBus(eventBufferSize)
	d.bus.Subscribe(eventLogHandler(cfg.LogLevel, opts.LogWriter, opts.JSONEvents))

	d.engine, err = engine.New(engine.Config{
		FollowUpDelay:   cfg.Escalation.FollowUpDelay,
		SendTimeout:     cfg.Escalation.SendTimeout,
		MaxSendAttempts: cfg.Escalation.MaxSendAttempts,
	}, engine.Deps{
		Sessions:  sessions,
		Ledger:    attempts,
		Transport: transport,
		Clock:     opts.Clock,
		Composer: message.Composer{
			AppName:     cfg.Message.AppName,
			MapsBaseURL: cfg.Message.MapsBaseURL,
		},
		Logger: engineLogger(cfg.LogLevel, opts.LogWriter),
		Bus:    d.bus,
		Tracer: telemetry.Tracer(),
	})
	if err != nil {
		d.closeResources()
		return nil, err
	}

	d.scheduler = scheduler.New(d.engine, scheduler.Config{
		Interval:    cfg.Escalation.EvaluateInterval,
		Parallelism: cfg.Escalation.Parallelism,
	}, d.logger)

	webCfg := web.Config{Addr: cfg.Listen, Logger: d.logger}
	if cfg.HasBackend(config.BackendTwilio) && cfg.SMS.Twilio.StatusCallback != "" {
		webCfg.TwilioAuthToken = cfg.SMS.Twilio.AuthToken
		webCfg.PublicURL = origin(cfg.SMS.Twilio.StatusCallback)
	}
	d.webServer, err = web.New(webCfg, d.engine, d.bus)
	if err != nil {
		d.closeResources()
		return nil, err
	}

	d.logger.Printf("sms via %s, store %s", transport.Name(), cfg.Store.Driver)
	return d, nil
}

// openStores picks session and ledger persistence from cfg.Store.
func (d *Daemon) openStores() (session.Store, ledger.Ledger, error) {
	if d.cfg.Store.Driver == config.StoreMemory {
		d.logger.Printf("WARNING: memory store, sessions are lost on exit")
		return session.NewMemoryStore(), ledger.NewMemory(), nil
	}

	if err := os.MkdirAll(filepath.Dir(d.cfg.Store.Path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	d.pidFile = NewPIDFile(PIDPathFor(d.cfg.Store.Path))
	if err := d.pidFile.Acquire(); err != nil {
		d.pidFile = nil
		return nil, nil, fmt.Errorf("failed to acquire PID file: %w", err)
	}

	database, err := db.Open(d.cfg.Store.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	d.db = database
	return database, database, nil
}

// Start listens, runs the scheduler and blocks until ctx is cancelled or
// Shutdown is called.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.webServer.Start(); err != nil {
		d.closeResources()
		return fmt.Errorf("failed to start web server: %w", err)
	}
	d.logger.Printf("API listening on http://%s (PID: %d)", d.webServer.Addr(), os.Getpid())

	schedCtx, stopScheduler := context.WithCancel(context.Background())
	defer stopScheduler()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.scheduler.Run(schedCtx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Printf("scheduler stopped: %v", err)
		}
	}()

	close(d.ready)

	select {
	case <-ctx.Done():
		d.logger.Println("Received context cancellation")
	case <-d.shutdownCh:
		d.logger.Println("Received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return d.gracefulShutdown(shutdownCtx, stopScheduler)
}

// Ready is closed once the API is listening.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Addr returns the API address; valid after Ready.
func (d *Daemon) Addr() string {
	return d.webServer.Addr()
}

// Engine exposes the wired engine.
func (d *Daemon) Engine() *engine.Engine {
	return d.engine
}

// Shutdown initiates graceful shutdown.
func (d *Daemon) Shutdown() {
	select {
	case <-d.shutdownCh:
		// Already closed
	default:
		close(d.shutdownCh)
	}
}

// gracefulShutdown stops intake first, then lets the in-flight tick
// finish so no evaluation is cut between history save and fan-out.
func (d *Daemon) gracefulShutdown(ctx context.Context, stopScheduler context.CancelFunc) error {
	d.logger.Println("Starting graceful shutdown...")

	webCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.webServer.Stop(webCtx); err != nil {
		d.logger.Printf("Error stopping web server: %v", err)
	}

	stopScheduler()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Printf("Scheduler did not stop before shutdown deadline")
	}

	d.closeResources()
	d.logger.Println("Shutdown complete")
	return nil
}

// closeResources releases everything New acquired. Safe on a partially
// built daemon.
func (d *Daemon) closeResources() {
	if d.bus != nil {
		d.bus.Close()
	}
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			d.logger.Printf("Error closing database: %v", err)
		}
		d.db = nil
	}
	if d.pidFile != nil {
		if err := d.pidFile.Release(); err != nil {
			d.logger.Printf("Error releasing PID file: %v", err)
		}
		d.pidFile = nil
	}
	if d.telemetryShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.telemetryShutdown(ctx); err != nil {
			d.logger.Printf("Error flushing traces: %v", err)
		}
		d.telemetryShutdown = nil
	}
}
