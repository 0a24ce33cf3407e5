package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/taskweave/internal/bus"
	twotel "github.com/basket/taskweave/internal/otel"
	"github.com/basket/taskweave/internal/persistence"
	"github.com/basket/taskweave/internal/tools"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

// DefaultMaxRounds bounds the decision loop when config leaves it unset.
const DefaultMaxRounds = 3

// ToolOutcome records one tool call's result within a run. Err is set
// for calls that failed on a bad reference or bad arguments; those
// never abort the run.
type ToolOutcome struct {
	Round   int
	Name    string
	Summary string
	Err     error
}

// TaskChange is a task mutation to announce after the loop transaction
// commits.
type TaskChange struct {
	Topic string
	Task  *persistence.Task
}

// LoopResult summarizes a completed decision loop. The caller still owns
// the transaction; nothing here is visible outside it until commit.
type LoopResult struct {
	Rounds   int
	Finished bool
	Outcomes []ToolOutcome
	Changes  []TaskChange
}

// Loop runs the bounded decision loop for one claimed batch.
type Loop struct {
	store     *persistence.Store
	pool      *tools.Pool
	completer Completer
	logger    *slog.Logger
	metrics   *twotel.Metrics
	maxRounds int
}

// NewLoop creates a Loop. Metrics may be nil; maxRounds <= 0 falls back
// to DefaultMaxRounds.
func NewLoop(store *persistence.Store, pool *tools.Pool, completer Completer, logger *slog.Logger, metrics *twotel.Metrics, maxRounds int) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	return &Loop{
		store:     store,
		pool:      pool,
		completer: completer,
		logger:    logger,
		metrics:   metrics,
		maxRounds: maxRounds,
	}
}

// Run drives the decision loop inside the caller's transaction. Each
// round re-packs the task section from transaction state, so the model
// sees its own earlier mutations; a task inserted mid-round is already
// addressable by the calls that follow it. The loop stops when the
// model returns no tool calls, calls finish, or the round budget runs
// out.
//
// Invalid references and bad arguments fail only the offending call;
// the round's remaining calls still apply. Model and storage failures
// abort the whole run with an *Error, leaving the transaction for the
// caller to roll back.
func (l *Loop) Run(ctx context.Context, tx *sql.Tx, sessionID string, batch, previous []persistence.Message) (*LoopResult, error) {
	messageIDs := make([]int64, len(batch))
	for i, m := range batch {
		messageIDs[i] = m.ID
	}
	previousSection := PackPreviousSection(previous)
	currentSection := PackCurrentSection(batch)
	tracer := otelapi.Tracer(twotel.TracerName)
	modelAttr := twotel.AttrModel.String(l.completer.Model())

	result := &LoopResult{}
	for round := 1; round <= l.maxRounds; round++ {
		tasks, err := l.store.ListTasksTx(ctx, tx, sessionID)
		if err != nil {
			return nil, wrapErr(KindPersistence, fmt.Sprintf("list tasks round %d", round), err)
		}
		taskIDs := make([]string, len(tasks))
		for i, t := range tasks {
			taskIDs[i] = t.ID
		}
		inv := &tools.Invocation{
			Tx:         tx,
			Store:      l.store,
			SessionID:  sessionID,
			TaskIDs:    taskIDs,
			MessageIDs: messageIDs,
		}

		prompt := BuildPrompt(PackTaskSection(tasks), previousSection, currentSection)
		llmCtx, llmSpan := twotel.StartClientSpan(ctx, tracer, "llm.complete",
			modelAttr, twotel.AttrRound.Int(round))
		llmStart := time.Now()
		completion, err := l.completer.Complete(llmCtx, SystemPrompt(), prompt)
		if l.metrics != nil {
			l.metrics.LLMCallDuration.Record(ctx, time.Since(llmStart).Seconds(),
				metric.WithAttributes(modelAttr))
		}
		if err != nil {
			llmSpan.SetStatus(codes.Error, "completion failed")
			llmSpan.End()
			return nil, wrapErr(KindModelInvocation, fmt.Sprintf("complete round %d", round), err)
		}
		llmSpan.End()
		result.Rounds = round

		if len(completion.ToolCalls) == 0 {
			l.logger.Debug("no tool calls, stopping loop",
				"session_id", sessionID, "round", round)
			break
		}

		for _, call := range completion.ToolCalls {
			outcome := ToolOutcome{Round: round, Name: call.Name}
			tool, ok := l.pool.Get(call.Name)
			if !ok {
				outcome.Err = fmt.Errorf("unknown tool %q: %w", call.Name, tools.ErrInvalidReference)
				l.logger.Warn("tool call rejected",
					"session_id", sessionID, "round", round,
					"tool", call.Name, "error", outcome.Err)
				result.Outcomes = append(result.Outcomes, outcome)
				continue
			}

			applied, err := tool.Invoke(ctx, inv, call.Args)
			if err != nil {
				if Classify(err) != KindInvalidReference {
					return nil, wrapErr(KindPersistence, fmt.Sprintf("apply %s round %d", call.Name, round), err)
				}
				outcome.Err = err
				l.logger.Warn("tool call rejected",
					"session_id", sessionID, "round", round,
					"tool", call.Name, "error", err)
				result.Outcomes = append(result.Outcomes, outcome)
				continue
			}

			outcome.Summary = applied.Summary
			result.Outcomes = append(result.Outcomes, outcome)
			if applied.Task != nil {
				topic := bus.TopicTaskUpdated
				if call.Name == "insert_task" {
					topic = bus.TopicTaskInserted
					// Index the new task so later calls in this round
					// can reference it by position.
					pos := applied.Task.Position - 1
					inv.TaskIDs = append(inv.TaskIDs, "")
					copy(inv.TaskIDs[pos+1:], inv.TaskIDs[pos:])
					inv.TaskIDs[pos] = applied.Task.ID
				}
				result.Changes = append(result.Changes, TaskChange{Topic: topic, Task: applied.Task})
			}
			if applied.Finish {
				// Remaining calls in this round still apply; finish
				// only stops further rounds.
				result.Finished = true
			}
			l.logger.Debug("tool applied",
				"session_id", sessionID, "round", round,
				"tool", call.Name, "summary", applied.Summary)
		}

		if result.Finished {
			break
		}
	}
	return result, nil
}
