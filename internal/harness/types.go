package harness

import (
	"fmt"
	"strings"
	"time"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/ir"
)

// TraceEvent is one ledger entry as seen by assertions and golden files.
type TraceEvent struct {
	Seq       int64         `json:"seq"`
	Tick      int           `json:"tick"` // 1-based index into the scenario's ticks
	From      string        `json:"from"`
	To        string        `json:"to"`
	Event     string        `json:"event"`
	Reason    ir.ReasonCode `json:"reason"`
	Attempt   int           `json:"attempt,omitempty"`
	Iteration int           `json:"iteration,omitempty"`
}

// String renders the event as one golden line.
func (e TraceEvent) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%03d t%d %s -> %s %s/%s", e.Seq, e.Tick, e.From, e.To, e.Event, e.Reason)
	if e.Attempt > 0 {
		fmt.Fprintf(&b, " attempt=%d", e.Attempt)
	}
	if e.Iteration > 0 {
		fmt.Fprintf(&b, " iteration=%d", e.Iteration)
	}
	return b.String()
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every assertion held.
	Pass bool `json:"pass"`

	// Trace is the task's full ledger in seq order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// TickErrors holds the error returned by each tick, "" for none.
	TickErrors []string `json:"tick_errors,omitempty"`

	// Task is the persisted task after the last tick.
	Task *ir.TaskState `json:"task"`

	// Events is the raw ledger, for replay assertions.
	Events []ir.TransitionEvent `json:"-"`

	// Sleeps are the backoff waits the engine requested.
	Sleeps []time.Duration `json:"-"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddEvent appends a ledger entry produced during tick (1-based).
func (r *Result) AddEvent(ev ir.TransitionEvent, tick int) {
	r.Events = append(r.Events, ev)
	r.Trace = append(r.Trace, TraceEvent{
		Seq:       ev.Seq,
		Tick:      tick,
		From:      ev.From,
		To:        ev.To,
		Event:     ev.Event,
		Reason:    ev.Reason,
		Attempt:   ev.Attempt,
		Iteration: ev.LoopIteration,
	})
}
