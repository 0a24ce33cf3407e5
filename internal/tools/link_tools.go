package tools

import (
	"context"
	"fmt"
)

const (
	appendToTaskName        = "append_messages_to_task"
	appendToTaskDescription = "File messages from the current batch under a task. task_id is the 1-based task number; message_ids are the 0-based message ids shown in the current messages section."

	appendToTaskSchema = `{
		"type": "object",
		"properties": {
			"task_id": {"type": "integer", "minimum": 1},
			"message_ids": {
				"type": "array",
				"items": {"type": "integer", "minimum": 0},
				"minItems": 1
			}
		},
		"required": ["task_id", "message_ids"],
		"additionalProperties": false
	}`

	appendToPlanningName        = "append_messages_to_planning_section"
	appendToPlanningDescription = "File messages from the current batch under the session's planning section instead of any task."

	appendToPlanningSchema = `{
		"type": "object",
		"properties": {
			"message_ids": {
				"type": "array",
				"items": {"type": "integer", "minimum": 0},
				"minItems": 1
			}
		},
		"required": ["message_ids"],
		"additionalProperties": false
	}`
)

func (p *Pool) applyAppendToTask(ctx context.Context, inv *Invocation, args map[string]any) (*Outcome, error) {
	position, _ := intArg(args, "task_id")
	taskID, err := inv.ResolveTask(position)
	if err != nil {
		return nil, fmt.Errorf("append_messages_to_task: %w", err)
	}
	indexes, _ := intSliceArg(args, "message_ids")

	// Links apply in order; a bad index or an already-linked message fails
	// the call there, leaving earlier links in place.
	linked := 0
	for _, index := range indexes {
		messageID, err := inv.ResolveMessage(index)
		if err != nil {
			return nil, fmt.Errorf("append_messages_to_task: %w", err)
		}
		if err := p.store.LinkMessageToTaskTx(ctx, inv.Tx, messageID, taskID); err != nil {
			return nil, fmt.Errorf("append_messages_to_task: message %d: %w", index, err)
		}
		linked++
	}
	return &Outcome{
		Summary: fmt.Sprintf("linked %d message(s) to task %d", linked, position),
	}, nil
}

func (p *Pool) applyAppendToPlanning(ctx context.Context, inv *Invocation, args map[string]any) (*Outcome, error) {
	indexes, _ := intSliceArg(args, "message_ids")

	linked := 0
	for _, index := range indexes {
		messageID, err := inv.ResolveMessage(index)
		if err != nil {
			return nil, fmt.Errorf("append_messages_to_planning_section: %w", err)
		}
		if err := p.store.LinkMessageToPlanningTx(ctx, inv.Tx, messageID); err != nil {
			return nil, fmt.Errorf("append_messages_to_planning_section: message %d: %w", index, err)
		}
		linked++
	}
	return &Outcome{
		Summary: fmt.Sprintf("linked %d message(s) to planning section", linked),
	}, nil
}
