package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/ir"
	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/ledger"
)

// CreateTask inserts a new task row. Returns ErrTaskExists if the id is taken.
func (s *Store) CreateTask(ctx context.Context, task *ir.TaskState) error {
	row, err := encodeTask(task)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	now := formatTime(s.now())

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks
		(task_id, workflow_id, run_id, current_state_id, context, bookkeeping, lifecycle,
		 meta, graph_hash, paused_at, last_seq, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		task.TaskID,
		task.WorkflowID,
		task.RunID,
		task.CurrentStateID,
		row.context,
		row.bookkeeping,
		string(task.Lifecycle),
		row.meta,
		task.GraphHash,
		nullTime(task.PausedAt),
		task.LastSeq,
		now,
		now,
	)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return fmt.Errorf("create task %s: %w", task.TaskID, ErrTaskExists)
		}
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// Checkpoint atomically appends events and overwrites the task row.
//
// The stored last_seq must equal the seq the caller started from (the seq
// preceding the first event, or task.LastSeq when there are no events).
// Otherwise nothing is written and *ConflictError is returned.
// Store implements engine.Checkpointer.
func (s *Store) Checkpoint(ctx context.Context, task *ir.TaskState, events []ir.TransitionEvent) error {
	base := task.LastSeq
	if len(events) > 0 {
		base = events[0].Seq - 1
	}
	row, err := encodeTask(task)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("checkpoint: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var stored int64
	err = tx.QueryRowContext(ctx, `SELECT last_seq FROM tasks WHERE task_id = ?`, task.TaskID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("checkpoint task %s: %w", task.TaskID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("checkpoint: read last_seq: %w", err)
	}
	if stored != base {
		return &ConflictError{TaskID: task.TaskID, Expected: base, Actual: stored}
	}

	if err := ledger.CheckAppend(base, events); err != nil {
		return fmt.Errorf("checkpoint task %s: %w", task.TaskID, err)
	}
	for _, ev := range events {
		if ev.TaskID != task.TaskID {
			return fmt.Errorf("checkpoint task %s: event belongs to %s", task.TaskID, ev.TaskID)
		}
		if err := insertTransition(ctx, tx, ev); err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET
			workflow_id = ?, run_id = ?, current_state_id = ?, context = ?, bookkeeping = ?,
			lifecycle = ?, meta = ?, graph_hash = ?, paused_at = ?, last_seq = ?, updated_at = ?
		WHERE task_id = ? AND last_seq = ?
	`,
		task.WorkflowID,
		task.RunID,
		task.CurrentStateID,
		row.context,
		row.bookkeeping,
		string(task.Lifecycle),
		row.meta,
		task.GraphHash,
		nullTime(task.PausedAt),
		task.LastSeq,
		formatTime(s.now()),
		task.TaskID,
		base,
	)
	if err != nil {
		return fmt.Errorf("checkpoint: update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return &ConflictError{TaskID: task.TaskID, Expected: base, Actual: -1}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("checkpoint: commit: %w", err)
	}
	return nil
}

// Record appends events to a task's ledger without touching its state.
// Store implements ledger.Ledger.
func (s *Store) Record(ctx context.Context, events ...ir.TransitionEvent) error {
	if len(events) == 0 {
		return nil
	}
	taskID := events[0].TaskID

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record: begin tx: %w", err)
	}
	defer tx.Rollback()

	var last int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM transitions WHERE task_id = ?`, taskID,
	).Scan(&last); err != nil {
		return fmt.Errorf("record: read max seq: %w", err)
	}
	if err := ledger.CheckAppend(last, events); err != nil {
		return fmt.Errorf("record task %s: %w", taskID, err)
	}
	for _, ev := range events {
		if err := insertTransition(ctx, tx, ev); err != nil {
			return fmt.Errorf("record: %w", err)
		}
	}

	newest := events[len(events)-1].Seq
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET last_seq = ?, updated_at = ? WHERE task_id = ? AND last_seq < ?`,
		newest, formatTime(s.now()), taskID, newest,
	); err != nil {
		return fmt.Errorf("record: bump last_seq: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record: commit: %w", err)
	}
	return nil
}

func insertTransition(ctx context.Context, tx *sql.Tx, ev ir.TransitionEvent) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transitions
		(id, task_id, seq, run_id, tick_id, from_state_id, to_state_id, event, reason_code,
		 attempt, loop_iteration, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.ID,
		ev.TaskID,
		ev.Seq,
		ev.RunID,
		ev.TickID,
		ev.From,
		ev.To,
		ev.Event,
		string(ev.Reason),
		ev.Attempt,
		ev.LoopIteration,
		formatTime(ev.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert transition seq %d: %w", ev.Seq, err)
	}
	return nil
}

// DeleteTask removes a task with its ledger and replies.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete task: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM transitions WHERE task_id = ?`,
		`DELETE FROM feedback_replies WHERE task_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, taskID); err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete task %s: %w", taskID, ErrNotFound)
	}
	return tx.Commit()
}

type taskRow struct {
	context     string
	bookkeeping string
	meta        string
}

func encodeTask(task *ir.TaskState) (taskRow, error) {
	var row taskRow
	var err error
	if row.context, err = marshalContext(task.Context); err != nil {
		return row, err
	}
	if row.bookkeeping, err = marshalStruct(task.Bookkeeping); err != nil {
		return row, fmt.Errorf("marshal bookkeeping: %w", err)
	}
	if row.meta, err = marshalStruct(task.Meta); err != nil {
		return row, fmt.Errorf("marshal meta: %w", err)
	}
	return row, nil
}
