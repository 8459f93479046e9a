// Package notify relays task lifecycle changes to the task source.
//
// The engine never talks to the task source itself. After each tick the
// runner hands a Change to a Notifier, which either logs it or publishes
// it to NATS for a board integration to pick up.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/ir"
)

// Change is one lifecycle transition of a task, as seen by the task source.
type Change struct {
	TaskID     string       `json:"task_id"`
	WorkflowID string       `json:"workflow_id"`
	Title      string       `json:"title,omitempty"`
	From       ir.Lifecycle `json:"from"`
	To         ir.Lifecycle `json:"to"`
	StateID    string       `json:"state_id"`

	// Message is the last error for failed tasks, empty otherwise.
	Message string `json:"message,omitempty"`

	// Transitions is how many ledger events the tick produced.
	Transitions int       `json:"transitions"`
	At          time.Time `json:"at"`
}

// NewChange describes the move from before to after.
func NewChange(before ir.Lifecycle, after *ir.TaskState, transitions int, at time.Time) Change {
	c := Change{
		TaskID:      after.TaskID,
		WorkflowID:  after.WorkflowID,
		Title:       after.Meta.Title,
		From:        before,
		To:          after.Lifecycle,
		StateID:     after.CurrentStateID,
		Transitions: transitions,
		At:          at,
	}
	if after.Lifecycle == ir.LifecycleFailed || after.Lifecycle == ir.LifecycleBlocked {
		c.Message = after.Bookkeeping.LastError
	}
	return c
}

// Notifier relays lifecycle changes.
type Notifier interface {
	Notify(ctx context.Context, c Change) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, c Change) error

func (f NotifierFunc) Notify(ctx context.Context, c Change) error {
	return f(ctx, c)
}

// Log writes changes to slog.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(_ context.Context, c Change) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	if c.To == ir.LifecycleFailed {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "task lifecycle changed",
		"task_id", c.TaskID,
		"workflow_id", c.WorkflowID,
		"from", c.From,
		"to", c.To,
		"state", c.StateID,
		"message", c.Message,
	)
	return nil
}

// Multi fans a change out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, c Change) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every change.
var Discard Notifier = NotifierFunc(func(context.Context, Change) error { return nil })
