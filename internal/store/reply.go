package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrReplyConsumed is returned when a reply was already consumed by a tick.
var ErrReplyConsumed = errors.New("store: reply already consumed")

// Reply is one external feedback reply waiting in a task's inbox.
type Reply struct {
	ID         int64
	TaskID     string
	Body       string
	ReceivedAt time.Time

	// ConsumedTickID is empty until a tick hands the reply to a handler.
	ConsumedTickID string
}

// AddReply stores a reply for a task and returns its id.
func (s *Store) AddReply(ctx context.Context, taskID, body string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO feedback_replies (task_id, body, received_at) VALUES (?, ?, ?)
	`, taskID, body, formatTime(at))
	if err != nil {
		return 0, fmt.Errorf("add reply: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("add reply: %w", err)
	}
	return id, nil
}

// PendingReply returns the oldest unconsumed reply for a task, or nil.
func (s *Store) PendingReply(ctx context.Context, taskID string) (*Reply, error) {
	var r Reply
	var received string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, body, received_at FROM feedback_replies
		WHERE task_id = ? AND consumed_tick_id IS NULL
		ORDER BY id ASC LIMIT 1
	`, taskID).Scan(&r.ID, &r.TaskID, &r.Body, &received)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pending reply: %w", err)
	}
	if r.ReceivedAt, err = parseTime(received); err != nil {
		return nil, err
	}
	return &r, nil
}

// ConsumeReply marks a reply consumed by tickID. A reply is consumed at
// most once; a second call returns ErrReplyConsumed.
func (s *Store) ConsumeReply(ctx context.Context, replyID int64, tickID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE feedback_replies SET consumed_tick_id = ?, consumed_at = ?
		WHERE id = ? AND consumed_tick_id IS NULL
	`, tickID, formatTime(at), replyID)
	if err != nil {
		return fmt.Errorf("consume reply: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("consume reply: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("consume reply %d: %w", replyID, ErrReplyConsumed)
	}
	return nil
}

// Replies lists every reply for a task, oldest first.
func (s *Store) Replies(ctx context.Context, taskID string) ([]Reply, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, body, received_at, COALESCE(consumed_tick_id, '')
		FROM feedback_replies WHERE task_id = ? ORDER BY id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query replies: %w", err)
	}
	defer rows.Close()

	out := []Reply{}
	for rows.Next() {
		var r Reply
		var received string
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Body, &received, &r.ConsumedTickID); err != nil {
			return nil, fmt.Errorf("scan reply: %w", err)
		}
		if r.ReceivedAt, err = parseTime(received); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate replies: %w", err)
	}
	return out, nil
}
