package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/basket/taskweave/internal/persistence"
)

const (
	insertTaskName        = "insert_task"
	insertTaskDescription = "Insert a new task into the session's task list at the given 1-based order. Tasks at or after that order shift down by one."

	insertTaskSchema = `{
		"type": "object",
		"properties": {
			"description": {"type": "string", "minLength": 1},
			"order": {"type": "integer", "minimum": 1},
			"name": {"type": "string"},
			"data": {"type": "object"}
		},
		"required": ["description", "order"],
		"additionalProperties": false
	}`

	updateTaskName        = "update_task"
	updateTaskDescription = "Update an existing task's status and/or description. task_id is the 1-based number shown in the task list."

	updateTaskSchema = `{
		"type": "object",
		"properties": {
			"task_id": {"type": "integer", "minimum": 1},
			"status": {"type": "string", "enum": ["pending", "running", "success", "failed"]},
			"description": {"type": "string", "minLength": 1}
		},
		"required": ["task_id"],
		"additionalProperties": false
	}`
)

func (p *Pool) applyInsertTask(ctx context.Context, inv *Invocation, args map[string]any) (*Outcome, error) {
	description, _ := stringArg(args, "description")
	order, _ := intArg(args, "order")

	data := map[string]any{}
	if raw, ok := args["data"].(map[string]any); ok {
		data = raw
	}
	if name, ok := stringArg(args, "name"); ok && name != "" {
		data["name"] = name
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode task data: %w", err)
	}

	task, err := p.store.InsertTaskTx(ctx, inv.Tx, inv.SessionID, order, description, string(encoded))
	if err != nil {
		if errors.Is(err, persistence.ErrPositionOutOfRange) {
			return nil, fmt.Errorf("insert_task: %v: %w", err, ErrInvalidReference)
		}
		return nil, fmt.Errorf("insert_task: %w", err)
	}
	return &Outcome{
		Summary: fmt.Sprintf("inserted task at position %d", task.Position),
		Task:    task,
	}, nil
}

func (p *Pool) applyUpdateTask(ctx context.Context, inv *Invocation, args map[string]any) (*Outcome, error) {
	position, _ := intArg(args, "task_id")
	taskID, err := inv.ResolveTask(position)
	if err != nil {
		return nil, fmt.Errorf("update_task: %w", err)
	}

	var status, description *string
	if s, ok := stringArg(args, "status"); ok {
		status = &s
	}
	if d, ok := stringArg(args, "description"); ok {
		description = &d
	}

	task, err := p.store.UpdateTaskTx(ctx, inv.Tx, taskID, status, description)
	if err != nil {
		if errors.Is(err, persistence.ErrTaskNotFound) {
			return nil, fmt.Errorf("update_task: task %d: %w", position, ErrInvalidReference)
		}
		return nil, fmt.Errorf("update_task: %w", err)
	}
	return &Outcome{
		Summary: fmt.Sprintf("updated task %d (status %s)", position, task.Status),
		Task:    task,
	}, nil
}
