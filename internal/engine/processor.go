package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/basket/taskweave/internal/bus"
	twotel "github.com/basket/taskweave/internal/otel"
	"github.com/basket/taskweave/internal/persistence"
	"github.com/basket/taskweave/internal/shared"
	"github.com/basket/taskweave/internal/tools"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Result summarizes one drive of a session. NoOp means there was
// nothing pending, or another driver claimed the batch first.
type Result struct {
	RunID    string
	NoOp     bool
	Claimed  int
	Rounds   int
	Finished bool
	Outcomes []ToolOutcome
}

// ProcessorConfig bounds a run.
type ProcessorConfig struct {
	// MaxRounds caps decision loop rounds per run.
	MaxRounds int
	// PreviousWindow is how many already-processed messages to pack as
	// read-only context before the claimed batch.
	PreviousWindow int
}

// Processor drives sessions end to end: claim the pending batch, run
// the decision loop in one transaction, finalize the batch, publish
// events. A run that fails anywhere after the claim releases the batch
// back to pending, so a later drive starts from the same state.
type Processor struct {
	store     *persistence.Store
	pool      *tools.Pool
	completer Completer
	eventBus  *bus.Bus
	logger    *slog.Logger
	metrics   *twotel.Metrics
	cfg       ProcessorConfig
}

// NewProcessor creates a Processor. Bus and metrics may be nil.
func NewProcessor(store *persistence.Store, pool *tools.Pool, completer Completer, eventBus *bus.Bus, logger *slog.Logger, metrics *twotel.Metrics, cfg ProcessorConfig) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if cfg.PreviousWindow < 0 {
		cfg.PreviousWindow = 0
	}
	return &Processor{
		store:     store,
		pool:      pool,
		completer: completer,
		eventBus:  eventBus,
		logger:    logger,
		metrics:   metrics,
		cfg:       cfg,
	}
}

// ProcessSession claims the session's pending messages and drives one
// run. Concurrent calls for the same session are safe: the claim is
// atomic, so exactly one caller gets the batch and the rest no-op.
func (p *Processor) ProcessSession(ctx context.Context, sessionID string) (*Result, error) {
	runID := shared.NewRunID()
	ctx = shared.WithRunID(shared.WithSessionID(ctx, sessionID), runID)
	logger := p.logger.With("session_id", sessionID, "run_id", runID)

	tracer := otelapi.Tracer(twotel.TracerName)
	ctx, span := twotel.StartSpan(ctx, tracer, "engine.process_session",
		twotel.AttrSessionID.String(sessionID),
		twotel.AttrRunID.String(runID),
	)
	defer span.End()

	if p.metrics != nil {
		p.metrics.ActiveRuns.Add(ctx, 1)
		defer p.metrics.ActiveRuns.Add(ctx, -1)
	}

	batch, err := p.store.ClaimPending(ctx, sessionID)
	if err != nil {
		span.SetStatus(codes.Error, "claim failed")
		return nil, wrapErr(KindPersistence, "claim pending messages", err)
	}
	if len(batch) == 0 {
		return &Result{RunID: runID, NoOp: true}, nil
	}
	span.SetAttributes(twotel.AttrClaimedCount.Int(len(batch)))
	logger.Info("claimed message batch", "count", len(batch))
	if p.metrics != nil {
		p.metrics.MessagesClaimed.Add(ctx, int64(len(batch)))
	}

	batchIDs := make([]int64, len(batch))
	for i, m := range batch {
		batchIDs[i] = m.ID
	}

	// Read before the transaction opens: the store holds a single
	// connection, so a plain query would block behind the loop tx.
	previous, err := p.store.PreviousWindow(ctx, sessionID, batch[0].ID, p.cfg.PreviousWindow)
	if err != nil {
		return nil, p.failRun(ctx, span, logger, sessionID, batchIDs,
			wrapErr(KindPersistence, "load previous window", err))
	}

	start := time.Now()
	tx, err := p.store.BeginTx(ctx)
	if err != nil {
		return nil, p.failRun(ctx, span, logger, sessionID, batchIDs,
			wrapErr(KindPersistence, "begin loop tx", err))
	}
	defer func() { _ = tx.Rollback() }()

	loop := NewLoop(p.store, p.pool, p.completer, p.logger, p.metrics, p.cfg.MaxRounds)
	loopResult, err := loop.Run(ctx, tx, sessionID, batch, previous)
	if err != nil {
		_ = tx.Rollback()
		var runErr *Error
		if !errors.As(err, &runErr) {
			runErr = wrapErr(KindPersistence, "decision loop", err)
		}
		return nil, p.failRun(ctx, span, logger, sessionID, batchIDs, runErr)
	}

	processed, err := p.store.MarkProcessedTx(ctx, tx, batchIDs)
	if err != nil {
		_ = tx.Rollback()
		return nil, p.failRun(ctx, span, logger, sessionID, batchIDs,
			wrapErr(KindPersistence, "mark batch processed", err))
	}
	if err := tx.Commit(); err != nil {
		return nil, p.failRun(ctx, span, logger, sessionID, batchIDs,
			wrapErr(KindPersistence, "commit loop tx", err))
	}

	// The run is durable; everything below is announcement only.
	for _, change := range loopResult.Changes {
		p.store.PublishTaskEvent(change.Topic, change.Task)
	}
	if p.eventBus != nil {
		p.eventBus.Publish(bus.TopicMessagesProcessed, bus.MessagesProcessedEvent{
			SessionID: sessionID,
			RunID:     runID,
			Count:     processed,
			Rounds:    loopResult.Rounds,
		})
	}
	if p.metrics != nil {
		p.metrics.MessagesProcessed.Add(ctx, int64(processed))
		p.metrics.RoundsTotal.Add(ctx, int64(loopResult.Rounds))
		for _, outcome := range loopResult.Outcomes {
			if outcome.Err != nil {
				p.metrics.ToolApplyErrors.Add(ctx, 1,
					metric.WithAttributes(twotel.AttrToolName.String(outcome.Name)))
			}
		}
	}
	logger.Info("run completed",
		"claimed", len(batch),
		"processed", processed,
		"rounds", loopResult.Rounds,
		"tool_calls", len(loopResult.Outcomes),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return &Result{
		RunID:    runID,
		Claimed:  len(batch),
		Rounds:   loopResult.Rounds,
		Finished: loopResult.Finished,
		Outcomes: loopResult.Outcomes,
	}, nil
}

// failRun releases the claimed batch so the session stays drivable,
// then returns the run error. Release failures are logged, not
// returned; the sweeper will requeue anything still stuck.
func (p *Processor) failRun(ctx context.Context, span trace.Span, logger *slog.Logger, sessionID string, batchIDs []int64, runErr *Error) error {
	span.SetStatus(codes.Error, string(runErr.Kind))

	released, releaseErr := p.store.ReleaseClaim(ctx, sessionID, batchIDs, string(runErr.Kind))
	if releaseErr != nil {
		logger.Error("failed to release claimed batch",
			"claimed", len(batchIDs), "error", releaseErr, "run_error", runErr)
	} else {
		logger.Warn("run failed, batch released",
			"claimed", len(batchIDs), "released", released,
			"kind", runErr.Kind, "error", runErr.Err)
	}
	if p.metrics != nil && released > 0 {
		p.metrics.MessagesRolledBack.Add(ctx, int64(released))
	}
	return runErr
}
