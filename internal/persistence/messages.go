package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/taskweave/internal/bus"
	"github.com/basket/taskweave/internal/shared"
)

type ProcessingStatus string

const (
	ProcessingPending   ProcessingStatus = "pending"
	ProcessingRunning   ProcessingStatus = "running"
	ProcessingProcessed ProcessingStatus = "processed"
)

// MessagePart is one element of a message's content array. Only text
// parts are rendered into packed context; other types pass through
// storage untouched.
type MessagePart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type Message struct {
	ID               int64            `json:"id"`
	SessionID        string           `json:"session_id"`
	Role             string           `json:"role"`
	Parts            []MessagePart    `json:"parts"`
	ProcessingStatus ProcessingStatus `json:"processing_status"`
	ClaimedAt        *time.Time       `json:"claimed_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Text concatenates the message's text parts.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Text != "" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ErrMessageLinked is returned when a link is attempted for a message that
// already belongs to a task or the planning section.
var ErrMessageLinked = errors.New("message already linked")

// AddMessage appends a message to the session in pending state. Role must
// be one of system/user/assistant/tool.
func (s *Store) AddMessage(ctx context.Context, sessionID, role string, parts []MessagePart) (int64, error) {
	role = strings.ToLower(strings.TrimSpace(role))
	switch role {
	case "system", "user", "assistant", "tool":
	default:
		return 0, fmt.Errorf("invalid role %q", role)
	}
	if len(parts) == 0 {
		return 0, errors.New("message requires at least one part")
	}
	raw, err := json.Marshal(parts)
	if err != nil {
		return 0, fmt.Errorf("marshal parts: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (session_id, role, parts, processing_status, created_at)
		VALUES (?, ?, ?, 'pending', CURRENT_TIMESTAMP);
	`, sessionID, role, string(raw))
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("message insert id: %w", err)
	}
	return id, nil
}

const messageColumns = `id, session_id, role, parts, processing_status, claimed_at, created_at`

func scanMessage(scanFn func(dest ...any) error, msg *Message) error {
	var raw string
	var claimedAt sql.NullTime
	if err := scanFn(
		&msg.ID,
		&msg.SessionID,
		&msg.Role,
		&raw,
		&msg.ProcessingStatus,
		&claimedAt,
		&msg.CreatedAt,
	); err != nil {
		return err
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		msg.ClaimedAt = &t
	}
	if err := json.Unmarshal([]byte(raw), &msg.Parts); err != nil {
		return fmt.Errorf("unmarshal parts: %w", err)
	}
	return nil
}

// ClaimPending atomically claims the session's pending messages: every
// pending message flips to running in one transaction and the claimed
// batch is returned oldest first. An empty batch means another claimer
// got there first (or there was nothing to do); callers treat that as a
// no-op, never an error.
func (s *Store) ClaimPending(ctx context.Context, sessionID string) ([]Message, error) {
	var claimed []Message
	err := retryOnBusy(ctx, 5, func() error {
		claimed = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE session_id = ? AND processing_status = 'pending'
			ORDER BY id ASC;
		`, sessionID)
		if err != nil {
			return fmt.Errorf("query pending messages: %w", err)
		}
		for rows.Next() {
			var msg Message
			if err := scanMessage(rows.Scan, &msg); err != nil {
				rows.Close()
				return fmt.Errorf("scan pending message: %w", err)
			}
			claimed = append(claimed, msg)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("pending message rows: %w", err)
		}
		rows.Close()

		if len(claimed) == 0 {
			return tx.Commit()
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE messages
			SET processing_status = 'running', claimed_at = CURRENT_TIMESTAMP
			WHERE session_id = ? AND processing_status = 'pending';
		`, sessionID)
		if err != nil {
			return fmt.Errorf("mark messages running: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		if int(affected) != len(claimed) {
			return fmt.Errorf("claim raced: selected %d, marked %d", len(claimed), affected)
		}
		for i := range claimed {
			claimed[i].ProcessingStatus = ProcessingRunning
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	if len(claimed) > 0 {
		s.publish(bus.TopicMessagesClaimed, bus.MessagesClaimedEvent{
			SessionID: sessionID,
			RunID:     shared.RunID(ctx),
			Count:     len(claimed),
		})
	}
	return claimed, nil
}

// PreviousWindow returns up to limit processed messages older than
// beforeID, in chronological order.
func (s *Store) PreviousWindow(ctx context.Context, sessionID string, beforeID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE session_id = ? AND id < ? AND processing_status = 'processed'
		ORDER BY id DESC
		LIMIT ?;
	`, sessionID, beforeID, limit)
	if err != nil {
		return nil, fmt.Errorf("query previous window: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var msg Message
		if err := scanMessage(rows.Scan, &msg); err != nil {
			return nil, fmt.Errorf("scan previous message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("previous message rows: %w", err)
	}
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// MarkProcessedTx finalizes a claimed batch inside the caller's
// transaction. Only running messages flip; the returned count is how many
// actually did.
func (s *Store) MarkProcessedTx(ctx context.Context, tx *sql.Tx, ids []int64) (int, error) {
	processed := 0
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `
			UPDATE messages
			SET processing_status = 'processed', claimed_at = NULL
			WHERE id = ? AND processing_status = 'running';
		`, id)
		if err != nil {
			return processed, fmt.Errorf("mark message %d processed: %w", id, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return processed, fmt.Errorf("processed rows affected: %w", err)
		}
		processed += int(affected)
	}
	return processed, nil
}

// ReleaseClaim rolls the given running messages back to pending so a later
// drive can claim them again. Used after a failed run; the loop transaction
// has already rolled back by the time this runs, so it commits on its own.
func (s *Store) ReleaseClaim(ctx context.Context, sessionID string, ids []int64, reason string) (int, error) {
	released := 0
	err := retryOnBusy(ctx, 5, func() error {
		released = 0
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin release tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, id := range ids {
			res, err := tx.ExecContext(ctx, `
				UPDATE messages
				SET processing_status = 'pending', claimed_at = NULL
				WHERE id = ? AND session_id = ? AND processing_status = 'running';
			`, id, sessionID)
			if err != nil {
				return fmt.Errorf("release message %d: %w", id, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("release rows affected: %w", err)
			}
			released += int(affected)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	if released > 0 {
		s.publish(bus.TopicMessagesRolledBack, bus.MessagesRolledBackEvent{
			SessionID: sessionID,
			RunID:     shared.RunID(ctx),
			Count:     released,
			Reason:    reason,
		})
	}
	return released, nil
}

// RequeueStuck releases running messages whose claim is older than the
// given timeout. Covers claims orphaned by a crash between claiming and
// driving the loop.
func (s *Store) RequeueStuck(ctx context.Context, stuckFor time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-stuckFor)
	var requeued int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE messages
			SET processing_status = 'pending', claimed_at = NULL
			WHERE processing_status = 'running' AND claimed_at IS NOT NULL AND claimed_at < ?;
		`, cutoff)
		if err != nil {
			return fmt.Errorf("requeue stuck messages: %w", err)
		}
		requeued, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("requeue rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if requeued > 0 {
		s.publish(bus.TopicMessagesRolledBack, bus.MessagesRolledBackEvent{
			Count:  int(requeued),
			Reason: "stuck_claim",
		})
	}
	return int(requeued), nil
}

// LinkMessageToTaskTx assigns a message to a task. A message holds at most
// one link ever; relinking fails with ErrMessageLinked.
func (s *Store) LinkMessageToTaskTx(ctx context.Context, tx *sql.Tx, messageID int64, taskID string) error {
	return s.linkMessageTx(ctx, tx, messageID, "task", &taskID)
}

// LinkMessageToPlanningTx assigns a message to the session's planning
// section. Same single-link rule as task links.
func (s *Store) LinkMessageToPlanningTx(ctx context.Context, tx *sql.Tx, messageID int64) error {
	return s.linkMessageTx(ctx, tx, messageID, "planning", nil)
}

func (s *Store) linkMessageTx(ctx context.Context, tx *sql.Tx, messageID int64, bucket string, taskID *string) error {
	var taskValue sql.NullString
	if taskID != nil {
		taskValue = sql.NullString{Valid: true, String: *taskID}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO message_links (message_id, bucket, task_id, created_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP);
	`, messageID, bucket, taskValue)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("message %d: %w", messageID, ErrMessageLinked)
		}
		return fmt.Errorf("insert message link: %w", err)
	}
	return nil
}

// MessageLink describes where a message has been filed.
type MessageLink struct {
	MessageID int64
	Bucket    string
	TaskID    string // empty for planning links
}

// LinkForMessage returns the message's link, or nil if it has none.
func (s *Store) LinkForMessage(ctx context.Context, messageID int64) (*MessageLink, error) {
	var link MessageLink
	var taskID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT message_id, bucket, task_id
		FROM message_links
		WHERE message_id = ?;
	`, messageID).Scan(&link.MessageID, &link.Bucket, &taskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select message link: %w", err)
	}
	if taskID.Valid {
		link.TaskID = taskID.String
	}
	return &link, nil
}

// ListLinkedMessages returns the ids of messages linked to the given task,
// oldest first.
func (s *Store) ListLinkedMessages(ctx context.Context, taskID string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id
		FROM message_links
		WHERE task_id = ?
		ORDER BY message_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query linked messages: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan linked message: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("linked message rows: %w", err)
	}
	return out, nil
}

// MessageStatus returns the processing status of one message.
func (s *Store) MessageStatus(ctx context.Context, messageID int64) (ProcessingStatus, error) {
	var status ProcessingStatus
	err := s.db.QueryRowContext(ctx, `
		SELECT processing_status FROM messages WHERE id = ?;
	`, messageID).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("select message status: %w", err)
	}
	return status, nil
}
