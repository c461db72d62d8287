// Package scheduler drives periodic evaluation of open sessions.
package scheduler

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/RevCBH/safewalk/internal/engine"
)

// Evaluator is the part of the engine the scheduler drives.
type Evaluator interface {
	ActiveSessions(ctx context.Context) ([]string, error)
	Evaluate(ctx context.Context, id string) (*engine.Outcome, error)
}

// Config tunes the tick loop.
type Config struct {
	// Interval between ticks (default 1s)
	Interval time.Duration

	// Parallelism bounds concurrent evaluations within a tick (default 4)
	Parallelism int
}

// TickStats summarizes one tick.
type TickStats struct {
	Sessions int
	Fired    int
	Attempts int
	Degraded int
	Failed   int
}

// Scheduler evaluates every open session once per tick. A tick waits for
// all of its evaluations before the next one starts, so one session is
// never evaluated twice concurrently by the scheduler.
type Scheduler struct {
	eval     Evaluator
	interval time.Duration
	sem      chan struct{} // Semaphore for concurrency control
	logger   *log.Logger

	mu    sync.Mutex
	ticks int
	last  TickStats
}

// New creates a scheduler. A nil logger discards output.
func New(eval Evaluator, cfg Config, logger *log.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Scheduler{
		eval:     eval,
		interval: cfg.Interval,
		sem:      make(chan struct{}, cfg.Parallelism),
		logger:   logger,
	}
}

// Run ticks immediately, then every interval, until ctx is done. The
// first tick catches up on deadlines that passed while the process was
// down. Cancelling ctx lets the current tick finish; sends are not cut
// short.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	tickCtx := context.WithoutCancel(ctx)
	for {
		s.Tick(tickCtx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick evaluates every active session and waits for all of them.
func (s *Scheduler) Tick(ctx context.Context) TickStats {
	var stats TickStats

	ids, err := s.eval.ActiveSessions(ctx)
	if err != nil {
		s.logger.Printf("list active sessions: %v", err)
		stats.Failed = 1
		s.record(stats)
		return stats
	}
	stats.Sessions = len(ids)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, id := range ids {
		// Acquire semaphore slot (blocks if at capacity)
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			s.record(stats)
			return stats
		}

		wg.Add(1)
		go func(id string) {
			defer func() {
				<-s.sem
				wg.Done()
			}()

			out, err := s.eval.Evaluate(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.Failed++
				s.logger.Printf("evaluate session %s: %v", id, err)
				return
			}
			stats.Fired += len(out.Fired)
			stats.Attempts += len(out.Attempts)
			if out.Degraded {
				stats.Degraded++
			}
		}(id)
	}
	wg.Wait()

	s.record(stats)
	return stats
}

func (s *Scheduler) record(stats TickStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks++
	s.last = stats
}

// Stats returns the number of completed ticks and the last tick's summary.
func (s *Scheduler) Stats() (int, TickStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks, s.last
}
