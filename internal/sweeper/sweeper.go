// Package sweeper periodically requeues stuck message claims so a crash
// between claiming a batch and driving the loop never strands a session.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/taskweave/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the sweeper.
type Config struct {
	Store  *persistence.Store
	Logger *slog.Logger

	// Schedule is a 5-field cron expression; defaults to every minute.
	Schedule string

	// StuckTimeout is how old a claim must be before it is released;
	// defaults to 5 minutes.
	StuckTimeout time.Duration
}

// Sweeper runs RequeueStuck on a cron schedule.
type Sweeper struct {
	store        *persistence.Store
	logger       *slog.Logger
	schedule     cronlib.Schedule
	stuckTimeout time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Sweeper. An unparsable schedule is an error; claims
// stuck forever are worse than failing startup.
func New(cfg Config) (*Sweeper, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = "* * * * *"
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse sweeper schedule %q: %w", expr, err)
	}
	timeout := cfg.StuckTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:        cfg.Store,
		logger:       logger,
		schedule:     schedule,
		stuckTimeout: timeout,
	}, nil
}

// Start begins the sweep loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("sweeper started", "stuck_timeout", s.stuckTimeout)
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	// Sweep immediately on startup to recover claims orphaned by the
	// previous process, then follow the schedule.
	s.Sweep(ctx)

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep releases every claim older than the stuck timeout. Safe to call
// while runs are in flight: a live run's claim is younger than the
// timeout, and a finished run has already cleared or released its claim.
func (s *Sweeper) Sweep(ctx context.Context) {
	requeued, err := s.store.RequeueStuck(ctx, s.stuckTimeout)
	if err != nil {
		s.logger.Error("sweep failed", "error", err)
		return
	}
	if requeued > 0 {
		s.logger.Warn("requeued stuck claims", "count", requeued, "stuck_timeout", s.stuckTimeout)
	}
}
