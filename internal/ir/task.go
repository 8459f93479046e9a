package ir

import "time"

// Lifecycle is the persisted task lifecycle status.
type Lifecycle string

const (
	LifecycleQueued   Lifecycle = "queued"
	LifecycleRunning  Lifecycle = "running"
	LifecycleFeedback Lifecycle = "feedback"
	LifecycleDone     Lifecycle = "done"
	LifecycleBlocked  Lifecycle = "blocked"
	LifecycleFailed   Lifecycle = "failed"
)

// ValidLifecycles defines allowed lifecycle values.
var ValidLifecycles = map[Lifecycle]bool{
	LifecycleQueued:   true,
	LifecycleRunning:  true,
	LifecycleFeedback: true,
	LifecycleDone:     true,
	LifecycleBlocked:  true,
	LifecycleFailed:   true,
}

// IsFinal reports whether no further tick can change the task.
func (l Lifecycle) IsFinal() bool {
	return l == LifecycleDone || l == LifecycleBlocked || l == LifecycleFailed
}

// TaskMeta is the task-source metadata handed to handlers.
type TaskMeta struct {
	ID      string `json:"id"`
	Title   string `json:"title,omitempty"`
	Prompt  string `json:"prompt,omitempty"`
	Context string `json:"context,omitempty"`
}

// Bookkeeping is the engine-owned sidecar persisted with each task.
// It never shares keys with the user context.
type Bookkeeping struct {
	// Attempts holds failed-attempt counters per action state.
	// Created on first failure, deleted on success.
	Attempts map[string]int `json:"attempts,omitempty"`

	// Loops holds completed-iteration counters per loop state.
	// Deleted when the loop exits.
	Loops map[string]int `json:"loops,omitempty"`

	// PausedFrom is the state that routed into the current feedback pause.
	PausedFrom string `json:"paused_from,omitempty"`

	// LastError is the most recent failure message.
	LastError string `json:"last_error,omitempty"`
}

// TaskState is the persisted execution state of one task.
type TaskState struct {
	TaskID         string         `json:"task_id"`
	WorkflowID     string         `json:"workflow_id"`
	RunID          string         `json:"run_id"`
	CurrentStateID string         `json:"current_state_id"`
	Context        map[string]any `json:"context"`
	Bookkeeping    Bookkeeping    `json:"bookkeeping"`
	Lifecycle      Lifecycle      `json:"lifecycle"`
	Meta           TaskMeta       `json:"meta"`
	GraphHash      string         `json:"graph_hash,omitempty"`
	PausedAt       *time.Time     `json:"paused_at,omitempty"`

	// LastSeq is the seq of the newest ledger event for this task.
	LastSeq int64 `json:"last_seq"`
}

// Clone returns a deep-enough copy for the engine to mutate safely:
// the context map and sidecar maps are copied, leaf values are shared.
func (t *TaskState) Clone() *TaskState {
	c := *t
	c.Context = CloneMap(t.Context)
	c.Bookkeeping.Attempts = cloneCounts(t.Bookkeeping.Attempts)
	c.Bookkeeping.Loops = cloneCounts(t.Bookkeeping.Loops)
	if t.PausedAt != nil {
		p := *t.PausedAt
		c.PausedAt = &p
	}
	return &c
}

// CloneMap returns a shallow copy of m, never nil.
func CloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneCounts(m map[string]int) map[string]int {
	if m == nil {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
