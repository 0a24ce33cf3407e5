// Package tools holds the static registry of task tools the decision loop
// exposes to the model. Each tool carries a declarative JSON schema,
// compiled once at pool construction, and a transactional applier that
// mutates the task ledger inside the loop's transaction.
package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/taskweave/internal/persistence"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrInvalidReference marks a tool call that names a task position or
// message index outside the current invocation's scope, or a message that
// is already linked. These fail the single call, never the run.
var ErrInvalidReference = errors.New("invalid reference")

// ErrInvalidArguments marks a tool call whose arguments failed schema
// validation.
var ErrInvalidArguments = errors.New("invalid arguments")

// Invocation is the scope one round of tool calls executes against: the
// loop transaction plus the positional indexes the packed context showed
// the model. TaskIDs is ordered by ledger position (task_id N resolves to
// TaskIDs[N-1]); MessageIDs is the claimed batch in claim order
// (message id N resolves to MessageIDs[N]).
type Invocation struct {
	Tx         *sql.Tx
	Store      *persistence.Store
	SessionID  string
	TaskIDs    []string
	MessageIDs []int64
}

// ResolveTask maps a 1-based task position from the packed task section to
// a ledger task id.
func (inv *Invocation) ResolveTask(position int) (string, error) {
	if position < 1 || position > len(inv.TaskIDs) {
		return "", fmt.Errorf("task_id %d out of range 1..%d: %w", position, len(inv.TaskIDs), ErrInvalidReference)
	}
	return inv.TaskIDs[position-1], nil
}

// ResolveMessage maps a 0-based message index from the packed
// current-messages section to a ledger message id.
func (inv *Invocation) ResolveMessage(index int) (int64, error) {
	if len(inv.MessageIDs) == 0 {
		return 0, fmt.Errorf("message id %d: claimed batch is empty: %w", index, ErrInvalidReference)
	}
	if index < 0 || index >= len(inv.MessageIDs) {
		return 0, fmt.Errorf("message id %d out of range 0..%d: %w", index, len(inv.MessageIDs)-1, ErrInvalidReference)
	}
	return inv.MessageIDs[index], nil
}

// Outcome is the applied effect of one tool call.
type Outcome struct {
	Summary string
	// Task is set by mutations that touched a task row, for event
	// publication after the loop transaction commits.
	Task *persistence.Task
	// Finish is set by the finish tool; the loop stops after the round.
	Finish bool
}

type applyFunc func(ctx context.Context, inv *Invocation, args map[string]any) (*Outcome, error)

// Tool is one registered task tool.
type Tool struct {
	Name        string
	Description string
	RawSchema   json.RawMessage
	schema      *jsonschema.Schema
	apply       applyFunc
}

// Invoke validates args against the tool's schema and runs the applier.
func (t *Tool) Invoke(ctx context.Context, inv *Invocation, rawArgs json.RawMessage) (*Outcome, error) {
	if len(rawArgs) == 0 {
		rawArgs = json.RawMessage(`{}`)
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(rawArgs)))
	if err != nil {
		return nil, fmt.Errorf("%s: malformed arguments: %v: %w", t.Name, err, ErrInvalidArguments)
	}
	if err := t.schema.Validate(parsed); err != nil {
		return nil, fmt.Errorf("%s: %v: %w", t.Name, err, ErrInvalidArguments)
	}
	args, _ := parsed.(map[string]any)
	if args == nil {
		args = map[string]any{}
	}
	return t.apply(ctx, inv, args)
}

// Pool is the static tool registry, built once at startup.
type Pool struct {
	store *persistence.Store
	tools map[string]*Tool
	order []string
}

// NewPool compiles every tool schema and returns the registry. A schema
// that fails to compile fails construction outright.
func NewPool(store *persistence.Store) (*Pool, error) {
	p := &Pool{
		store: store,
		tools: make(map[string]*Tool),
	}
	defs := []struct {
		name        string
		description string
		schema      string
		apply       applyFunc
	}{
		{insertTaskName, insertTaskDescription, insertTaskSchema, p.applyInsertTask},
		{updateTaskName, updateTaskDescription, updateTaskSchema, p.applyUpdateTask},
		{appendToTaskName, appendToTaskDescription, appendToTaskSchema, p.applyAppendToTask},
		{appendToPlanningName, appendToPlanningDescription, appendToPlanningSchema, p.applyAppendToPlanning},
		{finishName, finishDescription, finishSchema, applyFinish},
	}
	for _, def := range defs {
		compiled, err := compileSchema(def.name, def.schema)
		if err != nil {
			return nil, err
		}
		tool := &Tool{
			Name:        def.name,
			Description: def.description,
			RawSchema:   json.RawMessage(def.schema),
			schema:      compiled,
			apply:       def.apply,
		}
		p.tools[def.name] = tool
		p.order = append(p.order, def.name)
	}
	return p, nil
}

func compileSchema(name, raw string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s schema: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	resource := name + ".json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add %s schema resource: %w", name, err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", name, err)
	}
	return schema, nil
}

// Get returns the named tool.
func (p *Pool) Get(name string) (*Tool, bool) {
	t, ok := p.tools[name]
	return t, ok
}

// All returns the tools in registration order.
func (p *Pool) All() []*Tool {
	out := make([]*Tool, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.tools[name])
	}
	return out
}

// intArg extracts an integer argument. Schema validation has already
// guaranteed the value is an integer-typed json.Number.
func intArg(args map[string]any, key string) (int, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	num, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	n, err := num.Int64()
	if err != nil {
		return 0, false
	}
	return int(n), true
}

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func intSliceArg(args map[string]any, key string) ([]int, bool) {
	v, ok := args[key]
	if !ok {
		return nil, false
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]int, 0, len(raw))
	for _, item := range raw {
		num, ok := item.(json.Number)
		if !ok {
			return nil, false
		}
		n, err := num.Int64()
		if err != nil {
			return nil, false
		}
		out = append(out, int(n))
	}
	return out, true
}
