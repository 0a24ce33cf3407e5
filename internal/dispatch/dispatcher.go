// Package dispatch polls for sessions with pending messages and drives
// each one through the processor. At most one run per session is in
// flight at a time; the claim protocol makes overlap harmless, the
// dispatcher just avoids burning model calls on empty claims.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DriveFunc runs one processing attempt for a session. Wire it to
// engine.Processor.ProcessSession; the error is logged, never retried
// eagerly, because a failed run leaves the batch pending for the next
// tick.
type DriveFunc func(ctx context.Context, sessionID string) error

// PendingLister enumerates sessions that have pending messages.
// Satisfied by *persistence.Store.
type PendingLister interface {
	SessionsWithPending(ctx context.Context) ([]string, error)
}

// Config holds the dependencies for the dispatcher.
type Config struct {
	Store  PendingLister
	Drive  DriveFunc
	Logger *slog.Logger

	// PollInterval is how often to scan for pending sessions; defaults
	// to 2 seconds.
	PollInterval time.Duration
}

// Dispatcher is the polling fan-out loop.
type Dispatcher struct {
	store    PendingLister
	driveFn  DriveFunc
	logger   *slog.Logger
	interval time.Duration

	mu       sync.Mutex
	inFlight map[string]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Dispatcher with the given config.
func New(cfg Config) *Dispatcher {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:    cfg.Store,
		driveFn:  cfg.Drive,
		logger:   logger,
		interval: interval,
		inFlight: make(map[string]struct{}),
	}
}

// Start begins the poll loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.loop(ctx)
	d.logger.Info("dispatcher started", "poll_interval", d.interval)
}

// Stop cancels the poll loop and waits for it and all in-flight runs to
// exit.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	// Scan immediately on startup, then on each tick.
	d.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick scans for pending sessions and starts a run for each one not
// already in flight.
func (d *Dispatcher) Tick(ctx context.Context) {
	sessions, err := d.store.SessionsWithPending(ctx)
	if err != nil {
		d.logger.Error("dispatch: failed to scan pending sessions", "error", err)
		return
	}
	for _, sessionID := range sessions {
		d.drive(ctx, sessionID)
	}
}

func (d *Dispatcher) drive(ctx context.Context, sessionID string) {
	d.mu.Lock()
	if _, busy := d.inFlight[sessionID]; busy {
		d.mu.Unlock()
		return
	}
	d.inFlight[sessionID] = struct{}{}
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.inFlight, sessionID)
			d.mu.Unlock()
		}()

		if err := d.driveFn(ctx, sessionID); err != nil {
			// The processor already released the claim; the next tick
			// picks the session up again.
			d.logger.Error("dispatch: session run failed", "session_id", sessionID, "error", err)
		}
	}()
}
