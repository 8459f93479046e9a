package compiler

import (
	"encoding/json"
	"fmt"

	"cuelang.org/go/cue/token"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/ir"
)

// Definition is an authored factory before lowering.
type Definition struct {
	ID      string
	Start   string
	Context map[string]any

	// States in declaration order. Exactly one primitive field is set per entry.
	States []StateDef

	// Guards declared inline by the definition, name -> context check.
	// They shadow registry guards of the same name.
	Guards map[string]ir.InlineGuard

	Pos token.Pos
}

// StateDef is one authored state: a primitive or a low-level passthrough.
type StateDef struct {
	ID  string    `json:"-"`
	Pos token.Pos `json:"-"`

	Step    *StepDef    `json:"step,omitempty"`
	Ask     *AskDef     `json:"ask,omitempty"`
	Route   *RouteDef   `json:"route,omitempty"`
	Loop    *LoopDef    `json:"loop,omitempty"`
	Publish *PublishDef `json:"publish,omitempty"`
	End     *EndDef     `json:"end,omitempty"`

	Action      *ActionDef      `json:"action,omitempty"`
	Orchestrate *OrchestrateDef `json:"orchestrate,omitempty"`
	Feedback    *FeedbackDef    `json:"feedback,omitempty"`
	Terminal    *EndDef         `json:"terminal,omitempty"`
}

// kinds lists which primitive fields are set, for the exactly-one check.
func (s StateDef) kinds() []string {
	var out []string
	add := func(set bool, name string) {
		if set {
			out = append(out, name)
		}
	}
	add(s.Step != nil, "step")
	add(s.Ask != nil, "ask")
	add(s.Route != nil, "route")
	add(s.Loop != nil, "loop")
	add(s.Publish != nil, "publish")
	add(s.End != nil, "end")
	add(s.Action != nil, "action")
	add(s.Orchestrate != nil, "orchestrate")
	add(s.Feedback != nil, "feedback")
	add(s.Terminal != nil, "terminal")
	return out
}

// Transitions is the authored status -> target map of step-like primitives.
type Transitions struct {
	Done     string `json:"done,omitempty"`
	Feedback string `json:"feedback,omitempty"`
	Failed   string `json:"failed,omitempty"`
}

// StepDef runs a named handler once, with optional in-place retries.
type StepDef struct {
	Run         string      `json:"run"`
	Transitions Transitions `json:"transitions"`
	Retry       *RetryDef   `json:"retry,omitempty"`
}

// AskDef pauses for an external reply and then parses it.
type AskDef struct {
	Prompt       string      `json:"prompt"`
	Parse        string      `json:"parse,omitempty"`
	Into         string      `json:"into,omitempty"` // context key receiving the reply under the default parser
	ResumeTarget string      `json:"resumeTarget,omitempty"`
	Transitions  Transitions `json:"transitions"`
}

// RouteDef selects a branch by event name.
type RouteDef struct {
	Selector    string            `json:"selector,omitempty"`
	Handler     string            `json:"handler,omitempty"`
	Transitions map[string]string `json:"transitions"`
}

// LoopDef repeats a body state up to MaxIterations times.
type LoopDef struct {
	Body          string    `json:"body"`
	MaxIterations int       `json:"maxIterations"`
	Until         *UntilDef `json:"until,omitempty"`

	Transitions LoopTransitions `json:"transitions"`
}

// LoopTransitions is the authored loop edge set. Continue is overridden by Body.
type LoopTransitions struct {
	Continue  string `json:"continue,omitempty"`
	Done      string `json:"done,omitempty"`
	Exhausted string `json:"exhausted,omitempty"`
}

// UntilDef is a loop guard written either as a guard name or as an
// inline {key, equals?} object.
type UntilDef struct {
	Name   string
	Inline *ir.InlineGuard
}

func (u *UntilDef) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		u.Name = name
		return nil
	}
	var inline ir.InlineGuard
	if err := json.Unmarshal(data, &inline); err != nil {
		return fmt.Errorf("until must be a guard name or {key, equals}: %w", err)
	}
	u.Inline = &inline
	return nil
}

func (u UntilDef) MarshalJSON() ([]byte, error) {
	if u.Inline != nil {
		return json.Marshal(u.Inline)
	}
	return json.Marshal(u.Name)
}

// PublishDef renders a page from context and always completes.
type PublishDef struct {
	Render      string       `json:"render"`
	Transitions *Transitions `json:"transitions,omitempty"`
}

// EndDef is a terminal state.
type EndDef struct {
	Status ir.TerminalStatus `json:"status"`
}

// RetryDef is the authored retry policy. Max is primary, MaxRetries the legacy alias.
type RetryDef struct {
	Max        *int        `json:"max,omitempty"`
	MaxRetries *int        `json:"maxRetries,omitempty"`
	Backoff    *BackoffDef `json:"backoff,omitempty"`
}

type BackoffDef struct {
	Strategy ir.BackoffStrategy `json:"strategy"`
	BaseMs   int64              `json:"baseMs"`
	CapMs    int64              `json:"capMs,omitempty"`
}

func (r *RetryDef) policy() *ir.RetryPolicy {
	if r == nil {
		return nil
	}
	p := &ir.RetryPolicy{Max: r.Max, MaxRetries: r.MaxRetries}
	if r.Backoff != nil {
		p.Backoff = &ir.Backoff{Strategy: r.Backoff.Strategy, BaseMs: r.Backoff.BaseMs, CapMs: r.Backoff.CapMs}
	}
	return p
}

// ActionDef is a low-level action state.
type ActionDef struct {
	Handler     string      `json:"handler"`
	Transitions Transitions `json:"transitions"`
	Retry       *RetryDef   `json:"retry,omitempty"`
}

// OrchestrateDef is a low-level orchestrate state.
type OrchestrateDef struct {
	Handler     string            `json:"handler,omitempty"`
	Selector    string            `json:"selector,omitempty"`
	Transitions map[string]string `json:"transitions"`
}

// FeedbackDef is a low-level pause state.
type FeedbackDef struct {
	ResumeTarget string `json:"resumeTarget"`
}
