package compiler

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue/token"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/ir"
)

// Synthesized state id suffixes.
const (
	FeedbackSuffix    = "__feedback"
	RouteFailedSuffix = "__route_failed"
)

// Built-in handler names recorded in the lowered graph for synthesized handlers.
const (
	builtinAsk     = "builtin:ask"
	builtinPublish = "builtin:publish"
)

// ValidGraph is a lowered, validated graph with every capability resolved.
// It is immutable after Compile returns and safe to share across goroutines.
type ValidGraph struct {
	Graph *ir.Graph

	// Hash is the canonical content hash of Graph.
	Hash string

	handlers  map[string]Handler  // state id -> action or orchestrate handler
	selectors map[string]Selector // state id -> orchestrate selector
	routers   map[string]*Router  // state id -> orchestrate normaliser
	guards    map[string]Guard    // state id -> loop until guard
}

func (v *ValidGraph) HandlerFor(stateID string) (Handler, bool) {
	h, ok := v.handlers[stateID]
	return h, ok
}

func (v *ValidGraph) SelectorFor(stateID string) (Selector, bool) {
	s, ok := v.selectors[stateID]
	return s, ok
}

func (v *ValidGraph) RouterFor(stateID string) (*Router, bool) {
	r, ok := v.routers[stateID]
	return r, ok
}

func (v *ValidGraph) GuardFor(stateID string) (Guard, bool) {
	g, ok := v.guards[stateID]
	return g, ok
}

// Compile lowers def into a low-level graph, validates it and resolves
// every named capability against reg.
//
// Lowering problems (id collisions, ambiguous primitives, bad prompt
// templates) return *CompileError. Invariant violations and unresolved
// capabilities return *InvalidGraphError carrying the full list.
func Compile(def *Definition, reg *Registry) (*ValidGraph, error) {
	if reg == nil {
		reg = NewRegistry()
	}

	g, err := Lower(def)
	if err != nil {
		return nil, err
	}

	guardNames := reg.GuardNames()
	for name := range def.Guards {
		guardNames[name] = true
	}

	violations := Validate(g, guardNames)
	vg := &ValidGraph{
		Graph:     g,
		handlers:  make(map[string]Handler),
		selectors: make(map[string]Selector),
		routers:   make(map[string]*Router),
		guards:    make(map[string]Guard),
	}

	byID := make(map[string]StateDef, len(def.States))
	for _, sd := range def.States {
		byID[sd.ID] = sd
	}

	for _, id := range g.StateIDs() {
		s := g.States[id]
		switch s.Kind {
		case ir.KindAction:
			h, v, cerr := resolveActionHandler(id, s.Action, byID, reg)
			if cerr != nil {
				return nil, cerr
			}
			violations = append(violations, v...)
			if h != nil {
				vg.handlers[id] = h
			}
		case ir.KindOrchestrate:
			o := s.Orchestrate
			if o.Handler != "" {
				h, herr := reg.Handler(o.Handler)
				if herr != nil {
					violations = append(violations, capabilityError("states."+id+".orchestrate.handler", herr))
				} else {
					vg.handlers[id] = h
				}
			}
			if o.Selector != "" {
				sel, serr := reg.Selector(o.Selector)
				if serr != nil {
					violations = append(violations, capabilityError("states."+id+".orchestrate.selector", serr))
				} else {
					vg.selectors[id] = sel
				}
			}
			vg.routers[id] = newRouter(o.Transitions)
		case ir.KindLoop:
			if u := s.Loop.Until; u != nil {
				switch {
				case u.Inline != nil:
					vg.guards[id] = inlineGuard(*u.Inline)
				case hasGuard(def, u.Name):
					vg.guards[id] = inlineGuard(def.Guards[u.Name])
				default:
					if guard, ok := reg.Guard(u.Name); ok {
						vg.guards[id] = guard
					}
				}
			}
		}
	}

	if len(violations) > 0 {
		annotateLines(violations, def)
		return nil, &InvalidGraphError{GraphID: g.ID, Violations: violations}
	}

	hash, err := ir.GraphHash(g)
	if err != nil {
		return nil, fmt.Errorf("hash graph %q: %w", g.ID, err)
	}
	vg.Hash = hash
	return vg, nil
}

func hasGuard(def *Definition, name string) bool {
	_, ok := def.Guards[name]
	return ok
}

func capabilityError(field string, err error) ValidationError {
	return ValidationError{Field: field, Message: err.Error(), Code: ErrUnknownCapability}
}

// resolveActionHandler binds the handler of an action state. Synthesized
// ask and publish states get their built-in handlers here.
func resolveActionHandler(id string, a *ir.ActionState, byID map[string]StateDef, reg *Registry) (Handler, []ValidationError, error) {
	field := "states." + id + ".action.handler"
	switch a.Handler {
	case builtinAsk:
		def := byID[id].Ask
		if def == nil {
			return nil, []ValidationError{capabilityError(field, fmt.Errorf("handler %q is reserved for ask states", a.Handler))}, nil
		}
		var parse Parser
		if def.Parse != "" {
			p, ok := reg.Parser(def.Parse)
			if !ok {
				return nil, []ValidationError{capabilityError("states."+id+".ask.parse",
					fmt.Errorf("parser %q is not registered", def.Parse))}, nil
			}
			parse = p
		}
		h, err := newAskHandler(id, def, parse)
		if err != nil {
			return nil, nil, &CompileError{Field: "states." + id + ".ask.prompt", Message: err.Error(), Pos: byID[id].Pos}
		}
		return h, nil, nil
	case builtinPublish:
		def := byID[id].Publish
		if def == nil {
			return nil, []ValidationError{capabilityError(field, fmt.Errorf("handler %q is reserved for publish states", a.Handler))}, nil
		}
		render, ok := reg.Renderer(def.Render)
		if !ok {
			return nil, []ValidationError{capabilityError("states."+id+".publish.render",
				fmt.Errorf("renderer %q is not registered", def.Render))}, nil
		}
		return publishHandler{render: render}, nil, nil
	case "":
		return nil, nil, nil
	}
	h, err := reg.Handler(a.Handler)
	if err != nil {
		return nil, []ValidationError{capabilityError(field, err)}, nil
	}
	return h, nil, nil
}

// annotateLines fills ValidationError.Line from the authored state position.
func annotateLines(violations []ValidationError, def *Definition) {
	lines := make(map[string]int, len(def.States))
	for _, sd := range def.States {
		if sd.Pos.IsValid() {
			lines[sd.ID] = sd.Pos.Line()
		}
	}
	for i := range violations {
		rest, ok := strings.CutPrefix(violations[i].Field, "states.")
		if !ok {
			continue
		}
		id, _, _ := strings.Cut(rest, ".")
		id = strings.TrimSuffix(strings.TrimSuffix(id, FeedbackSuffix), RouteFailedSuffix)
		if line, ok := lines[id]; ok {
			violations[i].Line = line
		}
	}
}

// Lower translates authored primitives into a low-level graph without
// validating it. Synthesized ids colliding with any other id are an error.
func Lower(def *Definition) (*ir.Graph, error) {
	g := &ir.Graph{
		ID:             def.ID,
		Start:          def.Start,
		InitialContext: ir.CloneMap(def.Context),
		States:         make(map[string]ir.State, len(def.States)),
	}

	origin := make(map[string]string, len(def.States))
	for _, sd := range def.States {
		if prev, dup := origin[sd.ID]; dup {
			return nil, collision(sd, prev)
		}
		origin[sd.ID] = "state " + sd.ID
	}

	add := func(sd StateDef, s ir.State, from string) error {
		if prev, dup := origin[s.ID]; dup && prev != from {
			return collision(StateDef{ID: s.ID, Pos: sd.Pos}, prev)
		}
		if _, dup := g.States[s.ID]; dup {
			return collision(StateDef{ID: s.ID, Pos: sd.Pos}, origin[s.ID])
		}
		origin[s.ID] = from
		g.States[s.ID] = s
		return nil
	}

	for _, sd := range def.States {
		kinds := sd.kinds()
		if len(kinds) != 1 {
			return nil, &CompileError{
				Field:   "states." + sd.ID,
				Message: fmt.Sprintf("state must define exactly one primitive, got %d %v", len(kinds), kinds),
				Pos:     sd.Pos,
			}
		}

		self := "state " + sd.ID
		lowered := lowerState(sd)
		for _, s := range lowered {
			from := self
			if s.ID != sd.ID {
				from = "synthesized by " + sd.ID
			}
			if err := add(sd, s, from); err != nil {
				return nil, err
			}
		}
	}
	return g, nil
}

func collision(sd StateDef, prev string) error {
	return &CompileError{
		Field:   "states." + sd.ID,
		Message: fmt.Sprintf("state id %q collides with %s", sd.ID, prev),
		Pos:     sd.Pos,
	}
}

// lowerState emits the low-level states for one authored state.
// The first element always carries the authored id.
func lowerState(sd StateDef) []ir.State {
	id := sd.ID
	switch {
	case sd.Step != nil:
		return []ir.State{actionState(id, sd.Step.Run, sd.Step.Transitions, sd.Step.Retry.policy())}

	case sd.Ask != nil:
		pause := id + FeedbackSuffix
		resume := sd.Ask.ResumeTarget
		if resume == "" {
			resume = sd.Ask.Transitions.Feedback
		}
		if resume == "" {
			resume = ir.ResumePrevious
		}
		tr := sd.Ask.Transitions
		tr.Feedback = pause
		return []ir.State{
			actionState(id, builtinAsk, tr, nil),
			{ID: pause, Kind: ir.KindFeedback, Feedback: &ir.FeedbackState{ResumeTarget: resume}},
		}

	case sd.Route != nil:
		transitions := make(map[string]string, len(sd.Route.Transitions)+1)
		for event, target := range sd.Route.Transitions {
			transitions[event] = target
		}
		states := []ir.State{{ID: id, Kind: ir.KindOrchestrate}}
		if _, ok := transitions[ir.EventOtherwise]; !ok {
			failed := id + RouteFailedSuffix
			transitions[ir.EventOtherwise] = failed
			states = append(states, ir.State{
				ID: failed, Kind: ir.KindTerminal,
				Terminal: &ir.TerminalState{Status: ir.TerminalFailed},
			})
		}
		states[0].Orchestrate = &ir.OrchestrateState{
			Handler:     sd.Route.Handler,
			Selector:    sd.Route.Selector,
			Transitions: transitions,
		}
		return states

	case sd.Loop != nil:
		l := &ir.LoopState{
			Body:          sd.Loop.Body,
			MaxIterations: sd.Loop.MaxIterations,
			Continue:      sd.Loop.Body,
			Done:          sd.Loop.Transitions.Done,
			Exhausted:     sd.Loop.Transitions.Exhausted,
		}
		if u := sd.Loop.Until; u != nil {
			l.Until = &ir.GuardRef{Name: u.Name, Inline: u.Inline}
		}
		return []ir.State{{ID: id, Kind: ir.KindLoop, Loop: l}}

	case sd.Publish != nil:
		tr := Transitions{Done: "done", Failed: "failed"}
		if sd.Publish.Transitions != nil {
			tr = *sd.Publish.Transitions
		}
		return []ir.State{actionState(id, builtinPublish, tr, nil)}

	case sd.End != nil:
		return []ir.State{terminalState(id, sd.End.Status)}

	case sd.Terminal != nil:
		return []ir.State{terminalState(id, sd.Terminal.Status)}

	case sd.Action != nil:
		return []ir.State{actionState(id, sd.Action.Handler, sd.Action.Transitions, sd.Action.Retry.policy())}

	case sd.Orchestrate != nil:
		transitions := make(map[string]string, len(sd.Orchestrate.Transitions))
		for event, target := range sd.Orchestrate.Transitions {
			transitions[event] = target
		}
		return []ir.State{{ID: id, Kind: ir.KindOrchestrate, Orchestrate: &ir.OrchestrateState{
			Handler:     sd.Orchestrate.Handler,
			Selector:    sd.Orchestrate.Selector,
			Transitions: transitions,
		}}}

	case sd.Feedback != nil:
		return []ir.State{{ID: id, Kind: ir.KindFeedback, Feedback: &ir.FeedbackState{ResumeTarget: sd.Feedback.ResumeTarget}}}
	}
	return nil
}

func actionState(id, handler string, tr Transitions, retry *ir.RetryPolicy) ir.State {
	return ir.State{ID: id, Kind: ir.KindAction, Action: &ir.ActionState{
		Handler:  handler,
		Done:     tr.Done,
		Feedback: tr.Feedback,
		Failed:   tr.Failed,
		Retry:    retry,
	}}
}

func terminalState(id string, status ir.TerminalStatus) ir.State {
	return ir.State{ID: id, Kind: ir.KindTerminal, Terminal: &ir.TerminalState{Status: status}}
}

// CompileError represents a lowering or parse error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
