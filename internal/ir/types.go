package ir

import "sort"

// StateKind discriminates the State tagged union.
type StateKind string

const (
	KindAction      StateKind = "action"
	KindOrchestrate StateKind = "orchestrate"
	KindLoop        StateKind = "loop"
	KindFeedback    StateKind = "feedback"
	KindTerminal    StateKind = "terminal"
)

// ValidStateKinds defines allowed state kinds.
var ValidStateKinds = map[StateKind]bool{
	KindAction:      true,
	KindOrchestrate: true,
	KindLoop:        true,
	KindFeedback:    true,
	KindTerminal:    true,
}

// Reserved event names.
const (
	EventDone      = "done"
	EventFeedback  = "feedback"
	EventFailed    = "failed"
	EventContinue  = "continue"
	EventExhausted = "exhausted"

	// EventOtherwise is the catch-all route event. Selector results that the
	// transition map does not recognise are normalised to it.
	EventOtherwise = "otherwise"
)

// ResumePrevious is the Feedback resume-target sentinel meaning "the state
// that routed into the pause".
const ResumePrevious = "previous"

// ReplyKey is the reserved user-context key carrying an external feedback reply.
const ReplyKey = "human_feedback"

// Graph is the low-level state graph consumed by the validator and engine.
type Graph struct {
	ID             string           `json:"id"`
	Start          string           `json:"start"`
	InitialContext map[string]any   `json:"initial_context"`
	States         map[string]State `json:"states"`
}

// StateIDs returns the state ids in sorted order for deterministic iteration.
func (g *Graph) StateIDs() []string {
	ids := make([]string, 0, len(g.States))
	for id := range g.States {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Lookup returns the state with the given id.
func (g *Graph) Lookup(id string) (State, bool) {
	s, ok := g.States[id]
	return s, ok
}

// State is one node in the execution graph.
// Exactly one of the kind payloads is non-nil and matches Kind.
type State struct {
	ID          string            `json:"id"`
	Kind        StateKind         `json:"kind"`
	Action      *ActionState      `json:"action,omitempty"`
	Orchestrate *OrchestrateState `json:"orchestrate,omitempty"`
	Loop        *LoopState        `json:"loop,omitempty"`
	Feedback    *FeedbackState    `json:"feedback,omitempty"`
	Terminal    *TerminalState    `json:"terminal,omitempty"`
}

// ActionState invokes a handler and routes by its returned status.
type ActionState struct {
	Handler  string       `json:"handler"`
	Done     string       `json:"done,omitempty"`
	Feedback string       `json:"feedback,omitempty"`
	Failed   string       `json:"failed,omitempty"`
	Retry    *RetryPolicy `json:"retry,omitempty"`
}

// Target returns the transition target for a handler status.
func (a *ActionState) Target(status Status) string {
	switch status {
	case StatusDone:
		return a.Done
	case StatusFeedback:
		return a.Feedback
	case StatusFailed:
		return a.Failed
	}
	return ""
}

// Targets returns every declared transition as event -> target.
func (a *ActionState) Targets() map[string]string {
	out := make(map[string]string, 3)
	if a.Done != "" {
		out[EventDone] = a.Done
	}
	if a.Feedback != "" {
		out[EventFeedback] = a.Feedback
	}
	if a.Failed != "" {
		out[EventFailed] = a.Failed
	}
	return out
}

// OrchestrateState routes by an event produced by either a handler or a selector.
type OrchestrateState struct {
	Handler     string            `json:"handler,omitempty"`
	Selector    string            `json:"selector,omitempty"`
	Transitions map[string]string `json:"transitions"`
}

// LoopState repeats Body until its guard passes or MaxIterations is reached.
type LoopState struct {
	Body          string    `json:"body"`
	MaxIterations int       `json:"max_iterations"`
	Until         *GuardRef `json:"until,omitempty"`
	Continue      string    `json:"continue"`
	Done          string    `json:"done"`
	Exhausted     string    `json:"exhausted"`
}

// Targets returns every declared loop transition as event -> target.
func (l *LoopState) Targets() map[string]string {
	out := make(map[string]string, 3)
	if l.Continue != "" {
		out[EventContinue] = l.Continue
	}
	if l.Done != "" {
		out[EventDone] = l.Done
	}
	if l.Exhausted != "" {
		out[EventExhausted] = l.Exhausted
	}
	return out
}

// GuardRef names a registered guard or carries an inline context check.
type GuardRef struct {
	Name   string       `json:"name,omitempty"`
	Inline *InlineGuard `json:"inline,omitempty"`
}

// InlineGuard passes when Context[Key] equals Equals, or is truthy when Equals is nil.
type InlineGuard struct {
	Key    string `json:"key"`
	Equals any    `json:"equals,omitempty"`
}

// FeedbackState is a pause point awaiting external input.
type FeedbackState struct {
	ResumeTarget string `json:"resume_target"`
}

// TerminalStatus is the final lifecycle reached by a terminal state.
type TerminalStatus string

const (
	TerminalDone    TerminalStatus = "done"
	TerminalBlocked TerminalStatus = "blocked"
	TerminalFailed  TerminalStatus = "failed"
)

// ValidTerminalStatuses defines allowed terminal statuses.
var ValidTerminalStatuses = map[TerminalStatus]bool{
	TerminalDone:    true,
	TerminalBlocked: true,
	TerminalFailed:  true,
}

// TerminalState ends execution with a lifecycle status.
type TerminalState struct {
	Status TerminalStatus `json:"status"`
}

// BackoffStrategy selects how retry delays grow.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffExponential BackoffStrategy = "exponential"
)

// Backoff describes the delay between retry attempts.
type Backoff struct {
	Strategy BackoffStrategy `json:"strategy"`
	BaseMs   int64           `json:"base_ms"`
	CapMs    int64           `json:"cap_ms,omitempty"`
}

// RetryPolicy bounds in-place retries of a failing action.
//
// Max is the primary field and MaxRetries the legacy alias. Exactly one of
// them must be set; the validator rejects both and neither.
type RetryPolicy struct {
	Max        *int     `json:"max,omitempty"`
	MaxRetries *int     `json:"max_retries,omitempty"`
	Backoff    *Backoff `json:"backoff,omitempty"`
}

// Limit returns the effective retry count from whichever field is set.
func (p *RetryPolicy) Limit() int {
	if p == nil {
		return 0
	}
	if p.Max != nil {
		return *p.Max
	}
	if p.MaxRetries != nil {
		return *p.MaxRetries
	}
	return 0
}
