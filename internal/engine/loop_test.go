package engine_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/taskweave/internal/engine"
	twotel "github.com/basket/taskweave/internal/otel"
	"github.com/basket/taskweave/internal/persistence"
	"github.com/basket/taskweave/internal/tools"
	"github.com/google/uuid"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// scriptedCompleter plays back one completion per round and records the
// prompts it saw.
type scriptedCompleter struct {
	turns   []func(prompt string) (*engine.Completion, error)
	prompts []string
}

func (c *scriptedCompleter) Complete(_ context.Context, _, prompt string) (*engine.Completion, error) {
	c.prompts = append(c.prompts, prompt)
	if len(c.turns) == 0 {
		return &engine.Completion{}, nil
	}
	turn := c.turns[0]
	c.turns = c.turns[1:]
	return turn(prompt)
}

func (c *scriptedCompleter) Model() string { return "scripted" }

func call(name, args string) engine.ToolCall {
	return engine.ToolCall{Name: name, Args: json.RawMessage(args)}
}

type loopFixture struct {
	store     *persistence.Store
	pool      *tools.Pool
	sessionID string
}

func newLoopFixture(t *testing.T) *loopFixture {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "taskweave.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	pool, err := tools.NewPool(store)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	sessionID := uuid.NewString()
	if err := store.EnsureSession(context.Background(), sessionID); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	return &loopFixture{store: store, pool: pool, sessionID: sessionID}
}

func (f *loopFixture) addMessage(t *testing.T, role, text string) persistence.Message {
	t.Helper()
	id, err := f.store.AddMessage(context.Background(), f.sessionID, role, []persistence.MessagePart{{Type: "text", Text: text}})
	if err != nil {
		t.Fatalf("add message: %v", err)
	}
	return persistence.Message{
		ID:        id,
		SessionID: f.sessionID,
		Role:      role,
		Parts:     []persistence.MessagePart{{Type: "text", Text: text}},
	}
}

func (f *loopFixture) run(t *testing.T, completer engine.Completer, maxRounds int, batch []persistence.Message) (*engine.LoopResult, error) {
	t.Helper()
	tx, err := f.store.BeginTx(context.Background())
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	t.Cleanup(func() { _ = tx.Rollback() })
	loop := engine.NewLoop(f.store, f.pool, completer, nil, nil, maxRounds)
	return loop.Run(context.Background(), tx, f.sessionID, batch, nil)
}

func (f *loopFixture) runTx(t *testing.T, completer engine.Completer, maxRounds int, batch []persistence.Message) (*engine.LoopResult, *sql.Tx, error) {
	t.Helper()
	tx, err := f.store.BeginTx(context.Background())
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	loop := engine.NewLoop(f.store, f.pool, completer, nil, nil, maxRounds)
	res, runErr := loop.Run(context.Background(), tx, f.sessionID, batch, nil)
	return res, tx, runErr
}

func TestLoop_StopsWhenModelReturnsNoCalls(t *testing.T) {
	f := newLoopFixture(t)
	batch := []persistence.Message{f.addMessage(t, "user", "just a question")}

	completer := &scriptedCompleter{}
	result, err := f.run(t, completer, 3, batch)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Rounds != 1 || result.Finished || len(result.Outcomes) != 0 {
		t.Fatalf("result = %+v, want one empty round", result)
	}
}

func TestLoop_RepacksTaskSectionBetweenRounds(t *testing.T) {
	f := newLoopFixture(t)
	batch := []persistence.Message{f.addMessage(t, "user", "please write the report")}

	completer := &scriptedCompleter{
		turns: []func(string) (*engine.Completion, error){
			func(prompt string) (*engine.Completion, error) {
				if !strings.Contains(prompt, "(no tasks yet)") {
					return nil, fmt.Errorf("round 1 should see an empty task list:\n%s", prompt)
				}
				return &engine.Completion{ToolCalls: []engine.ToolCall{
					call("insert_task", `{"description": "write the report", "order": 1}`),
				}}, nil
			},
			func(prompt string) (*engine.Completion, error) {
				if !strings.Contains(prompt, "- 1. [pending] write the report") {
					return nil, fmt.Errorf("round 2 should see the inserted task:\n%s", prompt)
				}
				return &engine.Completion{ToolCalls: []engine.ToolCall{call("finish", `{}`)}}, nil
			},
		},
	}

	result, err := f.run(t, completer, 3, batch)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Rounds != 2 || !result.Finished {
		t.Fatalf("result = %+v, want 2 rounds ending in finish", result)
	}
	if len(result.Changes) != 1 || result.Changes[0].Task.Description != "write the report" {
		t.Fatalf("changes = %+v", result.Changes)
	}
}

func TestLoop_InvalidReferenceFailsCallNotRun(t *testing.T) {
	f := newLoopFixture(t)
	batch := []persistence.Message{f.addMessage(t, "user", "work")}

	completer := &scriptedCompleter{
		turns: []func(string) (*engine.Completion, error){
			func(string) (*engine.Completion, error) {
				return &engine.Completion{ToolCalls: []engine.ToolCall{
					call("update_task", `{"task_id": 5, "status": "success"}`),
					call("no_such_tool", `{}`),
					call("insert_task", `{"description": "still applies", "order": 1}`),
					call("finish", `{}`),
				}}, nil
			},
		},
	}

	result, err := f.run(t, completer, 3, batch)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Outcomes) != 4 {
		t.Fatalf("outcomes = %d, want 4", len(result.Outcomes))
	}
	if !errors.Is(result.Outcomes[0].Err, tools.ErrInvalidReference) {
		t.Fatalf("outcome[0].Err = %v, want invalid reference", result.Outcomes[0].Err)
	}
	if !errors.Is(result.Outcomes[1].Err, tools.ErrInvalidReference) {
		t.Fatalf("outcome[1].Err = %v, want invalid reference for unknown tool", result.Outcomes[1].Err)
	}
	if result.Outcomes[2].Err != nil {
		t.Fatalf("sibling call should have applied: %v", result.Outcomes[2].Err)
	}
	if !result.Finished {
		t.Fatal("finish after a failed sibling should still take effect")
	}
}

func TestLoop_InsertedTaskAddressableSameRound(t *testing.T) {
	f := newLoopFixture(t)
	batch := []persistence.Message{f.addMessage(t, "user", "please write the report")}

	// A single round inserts two tasks head-first, then links a message
	// to the task that was pushed down to position 2.
	completer := &scriptedCompleter{
		turns: []func(string) (*engine.Completion, error){
			func(string) (*engine.Completion, error) {
				return &engine.Completion{ToolCalls: []engine.ToolCall{
					call("insert_task", `{"description": "second", "order": 1}`),
					call("insert_task", `{"description": "first", "order": 1}`),
					call("append_messages_to_task", `{"task_id": 2, "message_ids": [0]}`),
					call("finish", `{}`),
				}}, nil
			},
		},
	}

	result, tx, err := f.runTx(t, completer, 3, batch)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, outcome := range result.Outcomes {
		if outcome.Err != nil {
			t.Fatalf("%s failed: %v", outcome.Name, outcome.Err)
		}
	}
	tasks, err := f.store.ListTasksTx(context.Background(), tx, f.sessionID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 2 || tasks[0].Description != "first" || tasks[1].Description != "second" {
		t.Fatalf("tasks = %+v", tasks)
	}
	var linked int64
	if err := tx.QueryRow(`SELECT message_id FROM message_links WHERE task_id = ?;`, tasks[1].ID).Scan(&linked); err != nil {
		t.Fatalf("read link: %v", err)
	}
	if linked != batch[0].ID {
		t.Fatalf("linked message = %d, want %d", linked, batch[0].ID)
	}
}

func TestLoop_FinishMidRoundAppliesRemainingCalls(t *testing.T) {
	f := newLoopFixture(t)
	batch := []persistence.Message{f.addMessage(t, "user", "work")}

	completer := &scriptedCompleter{
		turns: []func(string) (*engine.Completion, error){
			func(string) (*engine.Completion, error) {
				return &engine.Completion{ToolCalls: []engine.ToolCall{
					call("finish", `{}`),
					call("insert_task", `{"description": "after finish", "order": 1}`),
				}}, nil
			},
		},
	}

	result, tx, err := f.runTx(t, completer, 3, batch)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	if !result.Finished || result.Rounds != 1 {
		t.Fatalf("result = %+v", result)
	}
	tasks, err := f.store.ListTasksTx(context.Background(), tx, f.sessionID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Description != "after finish" {
		t.Fatalf("tasks = %+v, want the call after finish applied", tasks)
	}
}

func TestLoop_RoundBudget(t *testing.T) {
	f := newLoopFixture(t)
	batch := []persistence.Message{f.addMessage(t, "user", "work")}

	round := 0
	completer := &scriptedCompleter{}
	for i := 0; i < 10; i++ {
		completer.turns = append(completer.turns, func(string) (*engine.Completion, error) {
			round++
			return &engine.Completion{ToolCalls: []engine.ToolCall{
				call("insert_task", fmt.Sprintf(`{"description": "task %d", "order": %d}`, round, round)),
			}}, nil
		})
	}

	result, err := f.run(t, completer, 3, batch)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Rounds != 3 {
		t.Fatalf("rounds = %d, want budget of 3", result.Rounds)
	}
	if len(result.Changes) != 3 {
		t.Fatalf("changes = %d, want 3", len(result.Changes))
	}
}

func TestLoop_ModelFailureAbortsRun(t *testing.T) {
	f := newLoopFixture(t)
	batch := []persistence.Message{f.addMessage(t, "user", "work")}

	completer := &scriptedCompleter{
		turns: []func(string) (*engine.Completion, error){
			func(string) (*engine.Completion, error) {
				return &engine.Completion{ToolCalls: []engine.ToolCall{
					call("insert_task", `{"description": "round one", "order": 1}`),
				}}, nil
			},
			func(string) (*engine.Completion, error) {
				return nil, errors.New("upstream 503")
			},
		},
	}

	_, err := f.run(t, completer, 3, batch)
	var runErr *engine.Error
	if !errors.As(err, &runErr) {
		t.Fatalf("err = %v, want *engine.Error", err)
	}
	if runErr.Kind != engine.KindModelInvocation {
		t.Fatalf("kind = %s, want model_invocation", runErr.Kind)
	}
}

func TestLoop_RecordsModelCallDuration(t *testing.T) {
	f := newLoopFixture(t)
	batch := []persistence.Message{f.addMessage(t, "user", "work")}

	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("loop-test")
	metrics, err := twotel.NewMetrics(meter)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}

	// Two rounds, two model calls.
	completer := &scriptedCompleter{
		turns: []func(string) (*engine.Completion, error){
			func(string) (*engine.Completion, error) {
				return &engine.Completion{ToolCalls: []engine.ToolCall{
					call("insert_task", `{"description": "x", "order": 1}`),
				}}, nil
			},
			func(string) (*engine.Completion, error) {
				return &engine.Completion{}, nil
			},
		},
	}

	tx, err := f.store.BeginTx(context.Background())
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	t.Cleanup(func() { _ = tx.Rollback() })
	loop := engine.NewLoop(f.store, f.pool, completer, nil, metrics, 3)
	if _, err := loop.Run(context.Background(), tx, f.sessionID, batch, nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var count uint64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "taskweave.llm.duration" {
				continue
			}
			hist, ok := m.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("data type = %T, want float64 histogram", m.Data)
			}
			for _, dp := range hist.DataPoints {
				count += dp.Count
			}
		}
	}
	if count != 2 {
		t.Fatalf("recorded %d model call durations, want 2", count)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want engine.ErrorKind
	}{
		{fmt.Errorf("wrapped: %w", tools.ErrInvalidReference), engine.KindInvalidReference},
		{fmt.Errorf("wrapped: %w", tools.ErrInvalidArguments), engine.KindInvalidReference},
		{fmt.Errorf("wrapped: %w", persistence.ErrMessageLinked), engine.KindInvalidReference},
		{errors.New("disk I/O error"), engine.KindPersistence},
	}
	for _, tt := range tests {
		if got := engine.Classify(tt.err); got != tt.want {
			t.Fatalf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
