package store

import (
	"context"
	"fmt"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/ir"
	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/ledger"
)

// TaskHistory is a task with its full ledger, for recovery analysis.
type TaskHistory struct {
	Task   *ir.TaskState
	Events []ir.TransitionEvent

	// Replayed is the state id reconstructed from Events, empty when the
	// ledger is empty or invalid.
	Replayed string

	// Err is the verification failure, nil when the ledger agrees with the task.
	Err error
}

// Consistent reports whether the ledger verified against the task.
func (h TaskHistory) Consistent() bool {
	return h.Err == nil
}

// GetTaskHistory loads a task with its ledger and verifies them.
func (s *Store) GetTaskHistory(ctx context.Context, taskID string) (TaskHistory, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return TaskHistory{}, err
	}
	events, err := s.Events(ctx, taskID)
	if err != nil {
		return TaskHistory{}, fmt.Errorf("task history %s: %w", taskID, err)
	}
	return history(task, events), nil
}

// VerifyAll replays every task's ledger and returns one history per task,
// ordered by task id.
func (s *Store) VerifyAll(ctx context.Context) ([]TaskHistory, error) {
	tasks, err := s.ListTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify all: %w", err)
	}
	out := make([]TaskHistory, 0, len(tasks))
	for _, task := range tasks {
		events, err := s.Events(ctx, task.TaskID)
		if err != nil {
			return nil, fmt.Errorf("verify all: %w", err)
		}
		out = append(out, history(task, events))
	}
	return out, nil
}

func history(task *ir.TaskState, events []ir.TransitionEvent) TaskHistory {
	h := TaskHistory{Task: task, Events: events}
	if len(events) > 0 {
		if final, err := ledger.Replay(events); err == nil {
			h.Replayed = final
		}
	}
	h.Err = ledger.Verify(task, events)
	return h
}

// GetLastSeq returns the newest ledger seq for a task, 0 if it has none.
func (s *Store) GetLastSeq(ctx context.Context, taskID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM transitions WHERE task_id = ?`, taskID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("get last seq: %w", err)
	}
	return seq, nil
}
