package ir

import (
	"fmt"
	"time"
)

// ReasonCode explains why a transition event occurred.
type ReasonCode string

const (
	// ReasonCompleted: an action handler returned done.
	ReasonCompleted ReasonCode = "completed"

	// ReasonFeedbackPause: an action handler returned feedback and the task
	// moved into a pause state. The next event may start elsewhere.
	ReasonFeedbackPause ReasonCode = "feedback_pause"

	// ReasonAttemptFailed: one failed attempt inside the retry sub-loop.
	// Always a self-transition.
	ReasonAttemptFailed ReasonCode = "attempt_failed"

	// ReasonExhausted: the final failed attempt routed to the failed target.
	ReasonExhausted ReasonCode = "exhausted"

	// ReasonRouted: an orchestrate state produced a mapped event.
	ReasonRouted ReasonCode = "routed"

	// ReasonRouteUnmapped: a selector result was normalised to the catch-all.
	ReasonRouteUnmapped ReasonCode = "route_unmapped"

	ReasonLoopContinue  ReasonCode = "loop_continue"
	ReasonLoopDone      ReasonCode = "loop_done"
	ReasonLoopExhausted ReasonCode = "loop_exhausted"
)

// reasonEvents pins the event each reason code must carry.
// ReasonRouted accepts any non-empty event and is absent here.
var reasonEvents = map[ReasonCode]string{
	ReasonCompleted:     EventDone,
	ReasonFeedbackPause: EventFeedback,
	ReasonAttemptFailed: EventFailed,
	ReasonExhausted:     EventFailed,
	ReasonRouteUnmapped: EventOtherwise,
	ReasonLoopContinue:  EventContinue,
	ReasonLoopDone:      EventDone,
	ReasonLoopExhausted: EventExhausted,
}

// TransitionEvent is one immutable ledger entry.
type TransitionEvent struct {
	ID            string     `json:"id"` // Content-addressed hash
	TaskID        string     `json:"task_id"`
	Seq           int64      `json:"seq"` // Per-task logical clock
	RunID         string     `json:"run_id"`
	TickID        string     `json:"tick_id"`
	From          string     `json:"from_state_id"`
	To            string     `json:"to_state_id"`
	Event         string     `json:"event"`
	Reason        ReasonCode `json:"reason_code"`
	Attempt       int        `json:"attempt"`
	LoopIteration int        `json:"loop_iteration"`
	Timestamp     time.Time  `json:"timestamp"`
}

// CheckPairing validates the reason code / event / self-transition constraints.
func (e TransitionEvent) CheckPairing() error {
	if e.Event == "" {
		return fmt.Errorf("event seq %d: empty event", e.Seq)
	}
	if e.Reason == ReasonRouted {
		return nil
	}
	want, ok := reasonEvents[e.Reason]
	if !ok {
		return fmt.Errorf("event seq %d: unknown reason code %q", e.Seq, e.Reason)
	}
	if e.Event != want {
		return fmt.Errorf("event seq %d: reason %q requires event %q, got %q", e.Seq, e.Reason, want, e.Event)
	}
	if e.Reason == ReasonAttemptFailed && e.From != e.To {
		return fmt.Errorf("event seq %d: attempt failure must be a self-transition (%s -> %s)", e.Seq, e.From, e.To)
	}
	return nil
}
