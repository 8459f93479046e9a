package compiler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/ir"
)

// Validation error codes (E200-E299)
const (
	// Graph shape errors (E200-E209)
	ErrNoStates          = "E200" // graph has no states
	ErrStartMissing      = "E201" // declared start state does not exist
	ErrEmptyTransitions  = "E202" // action/orchestrate/loop defines no transitions
	ErrDanglingTarget    = "E203" // transition target names no state
	ErrKindMismatch      = "E204" // state kind and payload disagree
	ErrMissingHandler    = "E205" // action has no handler
	ErrInvalidTerminal   = "E206" // terminal status not done|blocked|failed
	ErrOrchestrateConfig = "E207" // orchestrate must define exactly one of handler/selector

	// Loop errors (E210-E219)
	ErrLoopTransition    = "E210" // loop missing continue/done/exhausted
	ErrLoopContinueBody  = "E211" // loop continue differs from body
	ErrLoopMaxIterations = "E212" // maxIterations < 1
	ErrUnknownGuard      = "E213" // named until guard not registered
	ErrLoopBodyPause     = "E214" // loop body is a feedback pause

	// Retry errors (E220-E229)
	ErrRetryMaxAmbiguous = "E220" // both or neither of max/maxRetries
	ErrRetryNegative     = "E221" // retry count below zero
	ErrRetryBackoff      = "E222" // invalid backoff shape

	// Feedback errors (E230-E239)
	ErrResumeTarget = "E230" // resume target missing, self, or another pause

	// Capability errors (E240-E249)
	ErrUnknownCapability = "E240" // handler/selector/parser/renderer name not registered
)

// ValidationError represents a graph invariant violation.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// InvalidGraphError wraps a non-empty violation list as a single error.
type InvalidGraphError struct {
	GraphID    string
	Violations []ValidationError
}

func (e *InvalidGraphError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.Error()
	}
	return fmt.Sprintf("graph %q rejected with %d violation(s): %s",
		e.GraphID, len(e.Violations), strings.Join(msgs, "; "))
}

// Validate checks every structural invariant of g.
// Returns all errors found (does not fail-fast). guards is the set of
// registered guard names available to loop until clauses.
func Validate(g *ir.Graph, guards map[string]bool) []ValidationError {
	var errs []ValidationError

	// E200: at least one state
	if len(g.States) == 0 {
		errs = append(errs, ValidationError{
			Field:   "states",
			Message: "graph must define at least one state",
			Code:    ErrNoStates,
		})
	}

	// E201: start exists
	if _, ok := g.States[g.Start]; !ok {
		errs = append(errs, ValidationError{
			Field:   "start",
			Message: fmt.Sprintf("start state %q does not exist", g.Start),
			Code:    ErrStartMissing,
		})
	}

	ids := g.StateIDs()
	for _, id := range ids {
		s := g.States[id]
		path := "states." + id
		if s.ID != "" && s.ID != id {
			errs = append(errs, ValidationError{
				Field:   path + ".id",
				Message: fmt.Sprintf("state id %q does not match its key", s.ID),
				Code:    ErrKindMismatch,
			})
		}
		errs = append(errs, validateTransitions(g, path, s)...)
	}

	for _, id := range ids {
		s := g.States[id]
		if s.Kind == ir.KindLoop && s.Loop != nil {
			errs = append(errs, validateLoop(g, "states."+id+".loop", s.Loop)...)
		}
	}

	for _, id := range ids {
		s := g.States[id]
		if s.Kind == ir.KindAction && s.Action != nil && s.Action.Retry != nil {
			errs = append(errs, validateRetry("states."+id+".action.retry", s.Action.Retry)...)
		}
	}

	for _, id := range ids {
		s := g.States[id]
		if s.Kind == ir.KindLoop && s.Loop != nil && s.Loop.Until != nil {
			errs = append(errs, validateGuard("states."+id+".loop.until", s.Loop.Until, guards)...)
		}
	}

	for _, id := range ids {
		s := g.States[id]
		if s.Kind == ir.KindFeedback && s.Feedback != nil {
			errs = append(errs, validateResume(g, id, s.Feedback)...)
		}
	}

	return errs
}

// validateTransitions checks kind/payload agreement, non-empty transitions,
// and that every target exists.
func validateTransitions(g *ir.Graph, path string, s ir.State) []ValidationError {
	var errs []ValidationError

	if !payloadMatches(s) {
		return []ValidationError{{
			Field:   path + ".kind",
			Message: fmt.Sprintf("state kind %q requires exactly its own payload", s.Kind),
			Code:    ErrKindMismatch,
		}}
	}

	var targets map[string]string
	switch s.Kind {
	case ir.KindAction:
		path += ".action"
		if strings.TrimSpace(s.Action.Handler) == "" {
			errs = append(errs, ValidationError{
				Field:   path + ".handler",
				Message: "action requires a handler",
				Code:    ErrMissingHandler,
			})
		}
		targets = s.Action.Targets()
	case ir.KindOrchestrate:
		path += ".orchestrate"
		hasHandler := s.Orchestrate.Handler != ""
		hasSelector := s.Orchestrate.Selector != ""
		if hasHandler == hasSelector {
			errs = append(errs, ValidationError{
				Field:   path,
				Message: "orchestrate must define exactly one of handler or selector",
				Code:    ErrOrchestrateConfig,
			})
		}
		targets = s.Orchestrate.Transitions
	case ir.KindLoop:
		path += ".loop"
		targets = s.Loop.Targets()
		if _, ok := g.States[s.Loop.Body]; !ok {
			errs = append(errs, ValidationError{
				Field:   path + ".body",
				Message: fmt.Sprintf("loop body %q does not exist", s.Loop.Body),
				Code:    ErrDanglingTarget,
			})
		}
	case ir.KindTerminal:
		if !ir.ValidTerminalStatuses[s.Terminal.Status] {
			errs = append(errs, ValidationError{
				Field:   path + ".terminal.status",
				Message: fmt.Sprintf("invalid terminal status %q", s.Terminal.Status),
				Code:    ErrInvalidTerminal,
			})
		}
		return errs
	case ir.KindFeedback:
		return errs
	}

	// E202: non-empty transitions
	if len(targets) == 0 {
		errs = append(errs, ValidationError{
			Field:   path + ".transitions",
			Message: "at least one transition is required",
			Code:    ErrEmptyTransitions,
		})
		return errs
	}

	// E203: every target exists
	for _, event := range sortedEvents(targets) {
		target := targets[event]
		if _, ok := g.States[target]; !ok {
			errs = append(errs, ValidationError{
				Field:   path + "." + event,
				Message: fmt.Sprintf("transition target %q does not exist", target),
				Code:    ErrDanglingTarget,
			})
		}
	}
	return errs
}

func payloadMatches(s ir.State) bool {
	set := 0
	for _, present := range []bool{s.Action != nil, s.Orchestrate != nil, s.Loop != nil, s.Feedback != nil, s.Terminal != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return false
	}
	switch s.Kind {
	case ir.KindAction:
		return s.Action != nil
	case ir.KindOrchestrate:
		return s.Orchestrate != nil
	case ir.KindLoop:
		return s.Loop != nil
	case ir.KindFeedback:
		return s.Feedback != nil
	case ir.KindTerminal:
		return s.Terminal != nil
	}
	return false
}

func validateLoop(g *ir.Graph, path string, l *ir.LoopState) []ValidationError {
	var errs []ValidationError

	// E210: all three loop transitions
	required := []struct{ event, target string }{
		{ir.EventContinue, l.Continue},
		{ir.EventDone, l.Done},
		{ir.EventExhausted, l.Exhausted},
	}
	for _, r := range required {
		if r.target == "" {
			errs = append(errs, ValidationError{
				Field:   path + "." + r.event,
				Message: fmt.Sprintf("loop must define a %q transition", r.event),
				Code:    ErrLoopTransition,
			})
		}
	}

	// E211: continue == body
	if l.Continue != "" && l.Continue != l.Body {
		errs = append(errs, ValidationError{
			Field:   path + ".continue",
			Message: fmt.Sprintf("continue target %q must equal body %q", l.Continue, l.Body),
			Code:    ErrLoopContinueBody,
		})
	}

	// E212: positive iteration budget
	if l.MaxIterations < 1 {
		errs = append(errs, ValidationError{
			Field:   path + ".maxIterations",
			Message: fmt.Sprintf("maxIterations must be at least 1, got %d", l.MaxIterations),
			Code:    ErrLoopMaxIterations,
		})
	}

	// E214: body may not be a bare pause
	if body, ok := g.States[l.Body]; ok && body.Kind == ir.KindFeedback {
		errs = append(errs, ValidationError{
			Field:   path + ".body",
			Message: fmt.Sprintf("loop body %q is a feedback pause", l.Body),
			Code:    ErrLoopBodyPause,
		})
	}
	return errs
}

func validateRetry(path string, p *ir.RetryPolicy) []ValidationError {
	var errs []ValidationError

	// E220: exactly one of the primary and legacy max fields
	switch {
	case p.Max != nil && p.MaxRetries != nil:
		errs = append(errs, ValidationError{
			Field:   path,
			Message: "retry must set exactly one of max or maxRetries, not both",
			Code:    ErrRetryMaxAmbiguous,
		})
	case p.Max == nil && p.MaxRetries == nil:
		errs = append(errs, ValidationError{
			Field:   path,
			Message: "retry must set exactly one of max or maxRetries",
			Code:    ErrRetryMaxAmbiguous,
		})
	}

	// E221: non-negative
	if p.Max != nil && *p.Max < 0 {
		errs = append(errs, ValidationError{
			Field:   path + ".max",
			Message: fmt.Sprintf("max must be non-negative, got %d", *p.Max),
			Code:    ErrRetryNegative,
		})
	}
	if p.MaxRetries != nil && *p.MaxRetries < 0 {
		errs = append(errs, ValidationError{
			Field:   path + ".maxRetries",
			Message: fmt.Sprintf("maxRetries must be non-negative, got %d", *p.MaxRetries),
			Code:    ErrRetryNegative,
		})
	}

	// E222: backoff shape
	if b := p.Backoff; b != nil {
		if b.Strategy != ir.BackoffFixed && b.Strategy != ir.BackoffExponential {
			errs = append(errs, ValidationError{
				Field:   path + ".backoff.strategy",
				Message: fmt.Sprintf("invalid backoff strategy %q (want fixed or exponential)", b.Strategy),
				Code:    ErrRetryBackoff,
			})
		}
		if b.BaseMs < 0 {
			errs = append(errs, ValidationError{
				Field:   path + ".backoff.baseMs",
				Message: "baseMs must be non-negative",
				Code:    ErrRetryBackoff,
			})
		}
		if b.CapMs < 0 || (b.CapMs > 0 && b.CapMs < b.BaseMs) {
			errs = append(errs, ValidationError{
				Field:   path + ".backoff.capMs",
				Message: "capMs must be zero (uncapped) or at least baseMs",
				Code:    ErrRetryBackoff,
			})
		}
	}
	return errs
}

func validateGuard(path string, ref *ir.GuardRef, guards map[string]bool) []ValidationError {
	if ref.Inline != nil {
		if ref.Inline.Key == "" {
			return []ValidationError{{
				Field:   path + ".key",
				Message: "inline guard requires a context key",
				Code:    ErrUnknownGuard,
			}}
		}
		return nil
	}
	if !guards[ref.Name] {
		return []ValidationError{{
			Field:   path,
			Message: fmt.Sprintf("guard %q is not registered", ref.Name),
			Code:    ErrUnknownGuard,
		}}
	}
	return nil
}

func validateResume(g *ir.Graph, id string, f *ir.FeedbackState) []ValidationError {
	path := "states." + id + ".feedback.resumeTarget"
	target := f.ResumeTarget
	if target == ir.ResumePrevious {
		return nil
	}
	if target == id {
		return []ValidationError{{
			Field:   path,
			Message: "feedback state cannot resume into itself",
			Code:    ErrResumeTarget,
		}}
	}
	s, ok := g.States[target]
	if !ok {
		return []ValidationError{{
			Field:   path,
			Message: fmt.Sprintf("resume target %q does not exist", target),
			Code:    ErrResumeTarget,
		}}
	}
	if s.Kind == ir.KindFeedback {
		return []ValidationError{{
			Field:   path,
			Message: fmt.Sprintf("resume target %q is another feedback pause", target),
			Code:    ErrResumeTarget,
		}}
	}
	return nil
}

func sortedEvents(m map[string]string) []string {
	events := make([]string, 0, len(m))
	for e := range m {
		events = append(events, e)
	}
	sort.Strings(events)
	return events
}
