package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/ir"
)

var testNow = time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)

// createTestStore creates a new store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithNow(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestTask creates a queued task with minimal required fields.
func createTestTask(id string) *ir.TaskState {
	return &ir.TaskState{
		TaskID:         id,
		WorkflowID:     "wf",
		CurrentStateID: "a",
		Context:        map[string]any{},
		Lifecycle:      ir.LifecycleQueued,
		Meta:           ir.TaskMeta{ID: id, Title: "Task " + id},
	}
}

// createTestEvent creates a completed transition with a valid content id.
func createTestEvent(taskID string, seq int64, from, to string) ir.TransitionEvent {
	ev := ir.TransitionEvent{
		TaskID:    taskID,
		Seq:       seq,
		RunID:     "run-1",
		TickID:    "tick-1",
		From:      from,
		To:        to,
		Event:     ir.EventDone,
		Reason:    ir.ReasonCompleted,
		Attempt:   1,
		Timestamp: testNow,
	}
	ev.ID = ir.MustEventID(ev)
	return ev
}
