package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/ir"
)

const taskColumns = `task_id, workflow_id, run_id, current_state_id, context, bookkeeping,
	lifecycle, meta, graph_hash, paused_at, last_seq`

// GetTask loads one task. Returns ErrNotFound if it does not exist.
func (s *Store) GetTask(ctx context.Context, taskID string) (*ir.TaskState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return task, nil
}

// ListTasks returns tasks ordered by id, optionally filtered by lifecycle.
// Returns an empty slice (not nil) when nothing matches.
func (s *Store) ListTasks(ctx context.Context, lifecycles ...ir.Lifecycle) ([]*ir.TaskState, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := make([]any, 0, len(lifecycles))
	if len(lifecycles) > 0 {
		marks := make([]string, len(lifecycles))
		for i, l := range lifecycles {
			marks[i] = "?"
			args = append(args, string(l))
		}
		query += ` WHERE lifecycle IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY task_id COLLATE BINARY ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*ir.TaskState{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// RunnableTaskIDs lists tasks a tick could change: queued or running tasks,
// plus paused tasks with an unconsumed reply waiting.
func (s *Store) RunnableTaskIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.task_id FROM tasks t
		WHERE t.lifecycle IN ('queued', 'running')
		   OR (t.lifecycle = 'feedback' AND EXISTS (
				SELECT 1 FROM feedback_replies r
				WHERE r.task_id = t.task_id AND r.consumed_tick_id IS NULL))
		ORDER BY t.task_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query runnable tasks: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runnable tasks: %w", err)
	}
	return ids, nil
}

// Events returns a task's ledger in seq order.
// Store implements ledger.Reader.
func (s *Store) Events(ctx context.Context, taskID string) ([]ir.TransitionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, seq, run_id, tick_id, from_state_id, to_state_id, event, reason_code,
		       attempt, loop_iteration, timestamp
		FROM transitions
		WHERE task_id = ?
		ORDER BY seq ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	events := []ir.TransitionEvent{}
	for rows.Next() {
		var ev ir.TransitionEvent
		var reason, ts string
		if err := rows.Scan(
			&ev.ID, &ev.TaskID, &ev.Seq, &ev.RunID, &ev.TickID, &ev.From, &ev.To, &ev.Event,
			&reason, &ev.Attempt, &ev.LoopIteration, &ts,
		); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		ev.Reason = ir.ReasonCode(reason)
		if ev.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return events, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (*ir.TaskState, error) {
	var (
		task                      ir.TaskState
		ctxJSON, bkJSON, metaJSON string
		lifecycle                 string
		pausedAt                  sql.NullString
	)
	if err := sc.Scan(
		&task.TaskID, &task.WorkflowID, &task.RunID, &task.CurrentStateID,
		&ctxJSON, &bkJSON, &lifecycle, &metaJSON, &task.GraphHash, &pausedAt, &task.LastSeq,
	); err != nil {
		return nil, err
	}
	task.Lifecycle = ir.Lifecycle(lifecycle)

	var err error
	if task.Context, err = unmarshalContext(ctxJSON); err != nil {
		return nil, err
	}
	if err := unmarshalStruct(bkJSON, &task.Bookkeeping); err != nil {
		return nil, fmt.Errorf("unmarshal bookkeeping: %w", err)
	}
	if err := unmarshalStruct(metaJSON, &task.Meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	if task.PausedAt, err = parseNullTime(pausedAt); err != nil {
		return nil, err
	}
	return &task, nil
}
