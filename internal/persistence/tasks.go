package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/taskweave/internal/bus"
	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusSuccess TaskStatus = "success"
	TaskStatusFailed  TaskStatus = "failed"
)

// ValidTaskStatus reports whether s is one of the four ledger statuses.
// The model drives status changes directly, so any member-to-member move
// is legal; only unknown values are rejected.
func ValidTaskStatus(s string) bool {
	switch TaskStatus(s) {
	case TaskStatusPending, TaskStatusRunning, TaskStatusSuccess, TaskStatusFailed:
		return true
	}
	return false
}

// Task is one row of a session's ordered task list. Position is 1-based
// and dense within the session: positions always read 1..N with no gaps.
type Task struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	Position    int        `json:"position"`
	Status      TaskStatus `json:"status"`
	Description string     `json:"description"`
	Data        string     `json:"data"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

var (
	ErrTaskNotFound       = errors.New("task not found")
	ErrPositionOutOfRange = errors.New("position out of range")
)

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	return scanFn(
		&task.ID,
		&task.SessionID,
		&task.Position,
		&task.Status,
		&task.Description,
		&task.Data,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
}

const taskColumns = `id, session_id, position, status, description, data, created_at, updated_at`

// InsertTaskTx inserts a task at the given 1-based position, shifting every
// task at or after that position down by one. Position must be in
// 1..count+1; anything else is rejected so the session's ordering stays
// dense.
func (s *Store) InsertTaskTx(ctx context.Context, tx *sql.Tx, sessionID string, position int, description, data string) (*Task, error) {
	var count int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM tasks WHERE session_id = ?;
	`, sessionID).Scan(&count); err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	if position < 1 || position > count+1 {
		return nil, fmt.Errorf("insert position %d outside 1..%d: %w", position, count+1, ErrPositionOutOfRange)
	}
	if data == "" {
		data = "{}"
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET position = position + 1, updated_at = CURRENT_TIMESTAMP
		WHERE session_id = ? AND position >= ?;
	`, sessionID, position); err != nil {
		return nil, fmt.Errorf("shift task positions: %w", err)
	}

	task := Task{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Position:    position,
		Status:      TaskStatusPending,
		Description: description,
		Data:        data,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, session_id, position, status, description, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, task.ID, task.SessionID, task.Position, task.Status, task.Description, task.Data); err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}

	if err := tx.QueryRowContext(ctx, `
		SELECT created_at, updated_at FROM tasks WHERE id = ?;
	`, task.ID).Scan(&task.CreatedAt, &task.UpdatedAt); err != nil {
		return nil, fmt.Errorf("read inserted task: %w", err)
	}
	return &task, nil
}

// UpdateTaskTx applies a partial update to a task. Nil fields are left
// untouched. An unknown status string is rejected before any write.
func (s *Store) UpdateTaskTx(ctx context.Context, tx *sql.Tx, taskID string, status, description *string) (*Task, error) {
	if status != nil && !ValidTaskStatus(*status) {
		return nil, fmt.Errorf("invalid task status %q", *status)
	}

	var task Task
	err := scanTask(tx.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE id = ?;
	`, taskID).Scan, &task)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("select task for update: %w", err)
	}

	if status != nil {
		task.Status = TaskStatus(*status)
	}
	if description != nil {
		task.Description = *description
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, description = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, task.Status, task.Description, taskID); err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	return &task, nil
}

// ListTasksTx returns the session's tasks ordered by position.
func (s *Store) ListTasksTx(ctx context.Context, tx *sql.Tx, sessionID string) ([]Task, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE session_id = ?
		ORDER BY position ASC;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListTasks returns the session's tasks ordered by position, outside any
// transaction.
func (s *Store) ListTasks(ctx context.Context, sessionID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE session_id = ?
		ORDER BY position ASC;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]Task, error) {
	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// PublishTaskEvent emits a task ledger event on the bus. Callers invoke it
// after the owning transaction commits so subscribers never observe
// rolled-back state.
func (s *Store) PublishTaskEvent(topic string, task *Task) {
	if task == nil {
		return
	}
	s.publish(topic, bus.TaskEvent{
		SessionID: task.SessionID,
		TaskID:    task.ID,
		Position:  task.Position,
		Status:    string(task.Status),
	})
}
