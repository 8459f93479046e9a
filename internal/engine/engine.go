package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/compiler"
	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/ir"
)

// LeaseMode is the caller's contract for same-task exclusivity.
type LeaseMode string

const (
	// LeaseStrict refuses to advance without a currently valid lease.
	LeaseStrict LeaseMode = "strict"

	// LeaseBestEffort advances opportunistically; conflicting writes are
	// detected afterwards by the ledger replay check.
	LeaseBestEffort LeaseMode = "best_effort"
)

// Checkpointer persists task state together with new ledger events.
// Implementations must write both in one atomic unit.
type Checkpointer interface {
	Checkpoint(ctx context.Context, task *ir.TaskState, events []ir.TransitionEvent) error
}

// CheckpointFunc adapts a function to Checkpointer.
type CheckpointFunc func(ctx context.Context, task *ir.TaskState, events []ir.TransitionEvent) error

func (f CheckpointFunc) Checkpoint(ctx context.Context, task *ir.TaskState, events []ir.TransitionEvent) error {
	return f(ctx, task, events)
}

// TickInput carries the per-call inputs supplied by the caller.
type TickInput struct {
	// Reply is an explicit feedback reply. It takes precedence over the
	// reserved context key.
	Reply *string

	// LeaseValid is the caller's lease-validity signal.
	LeaseValid bool
}

// Outcome summarises one Advance call.
type Outcome struct {
	// Task is the updated task state. The input task is never mutated.
	Task *ir.TaskState

	// Events are the ledger entries emitted by this call, in seq order.
	Events []ir.TransitionEvent

	TickID string

	// Transitions is the number of budget-counted transitions taken.
	Transitions int

	// Yielded is true when the call stopped because the budget was spent.
	Yielded bool

	// Suspended is true when the task ended the call paused on feedback.
	Suspended bool

	// ReplyConsumed is true when a handler was handed the explicit reply.
	ReplyConsumed bool
}

// Engine advances tasks through compiled graphs, one task per call.
//
// Thread-safety: Engine holds no per-task state and is safe for concurrent
// use across different tasks. Callers guarantee that a single task is never
// advanced by two calls at once (see LeaseMode).
type Engine struct {
	budget       int
	leaseMode    LeaseMode
	clock        WallClock
	runIDs       IDGenerator
	tickIDs      IDGenerator
	checkpointer Checkpointer
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithBudget sets the per-call transition budget.
func WithBudget(n int) EngineOption {
	return func(e *Engine) { e.budget = n }
}

// WithLeaseMode sets the lease contract.
func WithLeaseMode(m LeaseMode) EngineOption {
	return func(e *Engine) { e.leaseMode = m }
}

// WithClock sets the wall clock used for timestamps and backoff waits.
func WithClock(c WallClock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithIDGenerators sets the run and tick id sources.
func WithIDGenerators(runIDs, tickIDs IDGenerator) EngineOption {
	return func(e *Engine) {
		e.runIDs = runIDs
		e.tickIDs = tickIDs
	}
}

// WithCheckpointer sets where state and events are persisted.
func WithCheckpointer(c Checkpointer) EngineOption {
	return func(e *Engine) { e.checkpointer = c }
}

// New creates an Engine. Defaults: DefaultBudget, best-effort leases,
// system clock, UUIDv7 ids and no persistence.
func New(opts ...EngineOption) *Engine {
	e := &Engine{
		budget:    DefaultBudget,
		leaseMode: LeaseBestEffort,
		clock:     SystemClock{},
		runIDs:    UUIDv7Generator{},
		tickIDs:   UUIDv7Generator{},
		checkpointer: CheckpointFunc(func(context.Context, *ir.TaskState, []ir.TransitionEvent) error {
			return nil
		}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewTask creates the initial execution state of a task entering a graph.
func NewTask(taskID string, g *ir.Graph, meta ir.TaskMeta) *ir.TaskState {
	meta.ID = taskID
	return &ir.TaskState{
		TaskID:         taskID,
		WorkflowID:     g.ID,
		CurrentStateID: g.Start,
		Context:        ir.CloneMap(g.InitialContext),
		Lifecycle:      ir.LifecycleQueued,
		Meta:           meta,
	}
}

// run holds the mutable state of one Advance call.
type run struct {
	e      *Engine
	vg     *compiler.ValidGraph
	task   *ir.TaskState
	clock  *Clock
	tickID string
	reply  *string
	out    *Outcome
}

// Advance executes task from its current state until it suspends on a
// feedback state, reaches a terminal state, or spends the transition budget.
//
// Fatal run errors mark the task failed, persist it, and are returned as
// *RuntimeError alongside the outcome. Persistence and context errors are
// returned wrapped with the outcome so far.
func (e *Engine) Advance(ctx context.Context, vg *compiler.ValidGraph, task *ir.TaskState, in TickInput) (*Outcome, error) {
	if e.leaseMode == LeaseStrict && !in.LeaseValid {
		return nil, ErrLeaseRequired
	}

	t := task.Clone()
	if t.Context == nil {
		t.Context = map[string]any{}
	}
	out := &Outcome{Task: t, TickID: e.tickIDs.Generate()}

	if t.Lifecycle.IsFinal() {
		return out, nil
	}
	if t.CurrentStateID == "" {
		t.CurrentStateID = vg.Graph.Start
	}
	if t.Lifecycle == ir.LifecycleQueued && t.LastSeq == 0 {
		for k, v := range vg.Graph.InitialContext {
			if _, ok := t.Context[k]; !ok {
				t.Context[k] = v
			}
		}
	}
	if t.RunID == "" {
		t.RunID = e.runIDs.Generate()
	}
	if t.WorkflowID == "" {
		t.WorkflowID = vg.Graph.ID
	}
	if t.GraphHash != "" && vg.Hash != "" && t.GraphHash != vg.Hash {
		slog.Warn("task graph hash differs from compiled definition",
			"task_id", t.TaskID,
			"workflow_id", t.WorkflowID,
			"task_hash", t.GraphHash,
			"graph_hash", vg.Hash,
		)
	}

	r := &run{
		e:      e,
		vg:     vg,
		task:   t,
		clock:  NewClockAt(t.LastSeq),
		tickID: out.TickID,
		reply:  in.Reply,
		out:    out,
	}

	slog.Debug("advance starting",
		"task_id", t.TaskID,
		"state", t.CurrentStateID,
		"lifecycle", t.Lifecycle,
		"tick_id", r.tickID,
	)

	err := r.loop(ctx, NewTransitionBudget(e.budget))
	out.Suspended = t.Lifecycle == ir.LifecycleFeedback
	return out, err
}

func (r *run) loop(ctx context.Context, budget *TransitionBudget) error {
	g := r.vg.Graph
	t := r.task
	resumable := true

	for {
		state, ok := g.Lookup(t.CurrentStateID)
		if !ok {
			return r.fail(ctx, missingState(t.TaskID, t.CurrentStateID))
		}

		switch state.Kind {
		case ir.KindTerminal:
			if changed := r.settleTerminal(state); changed {
				return r.checkpoint(ctx, nil)
			}
			return nil

		case ir.KindFeedback:
			if resumable && r.replyAvailable() {
				target, rerr := r.resumeTarget(state)
				if rerr != nil {
					return r.fail(ctx, rerr)
				}
				slog.Info("resuming from feedback",
					"task_id", t.TaskID,
					"pause", state.ID,
					"target", target,
				)
				t.CurrentStateID = target
				t.Bookkeeping.PausedFrom = ""
				t.PausedAt = nil
				t.Lifecycle = ir.LifecycleRunning
				resumable = false
				continue
			}
			if changed := r.settlePause(); changed {
				return r.checkpoint(ctx, nil)
			}
			return nil
		}

		resumable = false
		if budget.Spent() {
			t.Lifecycle = ir.LifecycleRunning
			r.out.Yielded = true
			slog.Debug("transition budget spent, yielding",
				"task_id", t.TaskID,
				"state", t.CurrentStateID,
				"budget", budget.Limit(),
			)
			return nil
		}

		t.Lifecycle = ir.LifecycleRunning
		ev, err := r.step(ctx, state)
		if err != nil {
			var re *RuntimeError
			if errors.As(err, &re) {
				return r.fail(ctx, re)
			}
			return err
		}

		t.CurrentStateID = ev.To
		budget.Use()
		r.out.Transitions = budget.Used()

		if next, ok := g.Lookup(ev.To); ok {
			switch next.Kind {
			case ir.KindTerminal:
				r.settleTerminal(next)
			case ir.KindFeedback:
				t.Bookkeeping.PausedFrom = ev.From
				r.settlePause()
			case ir.KindLoop:
				// Entering a loop from anywhere but its body starts a fresh count.
				if ev.From != next.Loop.Body {
					delete(t.Bookkeeping.Loops, next.ID)
				}
			}
		}
		if err := r.checkpoint(ctx, []ir.TransitionEvent{ev}); err != nil {
			return err
		}
		if t.Lifecycle != ir.LifecycleRunning {
			return nil
		}
	}
}

// settleTerminal finalizes lifecycle from a terminal state. Reports whether
// the task changed.
func (r *run) settleTerminal(s ir.State) bool {
	t := r.task
	want := ir.Lifecycle(s.Terminal.Status)
	if t.Lifecycle == want && t.PausedAt == nil {
		return false
	}
	t.Lifecycle = want
	t.PausedAt = nil
	slog.Info("task finalized",
		"task_id", t.TaskID,
		"state", s.ID,
		"lifecycle", want,
	)
	return true
}

// settlePause marks the task suspended. Reports whether the task changed.
func (r *run) settlePause() bool {
	t := r.task
	if t.Lifecycle == ir.LifecycleFeedback && t.PausedAt != nil {
		return false
	}
	t.Lifecycle = ir.LifecycleFeedback
	if t.PausedAt == nil {
		now := r.e.clock.Now()
		t.PausedAt = &now
	}
	slog.Info("task awaiting feedback",
		"task_id", t.TaskID,
		"state", t.CurrentStateID,
	)
	return true
}

func (r *run) replyAvailable() bool {
	if r.reply != nil {
		return true
	}
	v, ok := r.task.Context[ir.ReplyKey]
	return ok && v != nil
}

func (r *run) resumeTarget(s ir.State) (string, *RuntimeError) {
	target := s.Feedback.ResumeTarget
	if target == ir.ResumePrevious {
		target = r.task.Bookkeeping.PausedFrom
		if target == "" {
			return "", invalidState(r.task.TaskID, s.ID, "feedback pause has no recorded previous state")
		}
	}
	if _, ok := r.vg.Graph.Lookup(target); !ok {
		return "", missingState(r.task.TaskID, target)
	}
	return target, nil
}

// step produces the single routing event for an action, orchestrate or loop state.
func (r *run) step(ctx context.Context, s ir.State) (ir.TransitionEvent, error) {
	switch s.Kind {
	case ir.KindAction:
		return r.stepAction(ctx, s)
	case ir.KindOrchestrate:
		return r.stepOrchestrate(ctx, s)
	case ir.KindLoop:
		return r.stepLoop(s)
	}
	return ir.TransitionEvent{}, invalidState(r.task.TaskID, s.ID, fmt.Sprintf("unknown state kind %q", s.Kind))
}

func (r *run) input(stateID string, attempt int) ir.HandlerInput {
	return ir.HandlerInput{
		Context: ir.CloneMap(r.task.Context),
		Task:    r.task.Meta,
		StateID: stateID,
		RunID:   r.task.RunID,
		TickID:  r.tickID,
		Attempt: attempt,
		Reply:   r.reply,
	}
}

// applyResult merges a handler's context patch. The explicit reply is
// delivered to exactly one handler invocation.
func (r *run) applyResult(res ir.HandlerResult) {
	if r.reply != nil {
		r.reply = nil
		r.out.ReplyConsumed = true
	}
	ir.ApplyPatch(r.task.Context, res.Data)
}

func (r *run) stepAction(ctx context.Context, s ir.State) (ir.TransitionEvent, error) {
	t := r.task
	a := s.Action
	h, ok := r.vg.HandlerFor(s.ID)
	if !ok {
		return ir.TransitionEvent{}, invalidState(t.TaskID, s.ID, fmt.Sprintf("no handler bound for %q", a.Handler))
	}

	limit := a.Retry.Limit()
	attempt := t.Bookkeeping.Attempts[s.ID] + 1

	for {
		res, err := h.Handle(ctx, r.input(s.ID, attempt))
		if err != nil {
			if errors.Is(err, ir.ErrMalformedOutput) {
				return ir.TransitionEvent{}, malformedOutput(t.TaskID, s.ID, err)
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ir.TransitionEvent{}, ctxErr
			}
			res = ir.HandlerResult{Status: ir.StatusFailed, Message: err.Error()}
		} else if cerr := res.Check(); cerr != nil {
			return ir.TransitionEvent{}, malformedOutput(t.TaskID, s.ID, cerr)
		}
		r.applyResult(res)

		switch res.Status {
		case ir.StatusDone, ir.StatusFeedback:
			delete(t.Bookkeeping.Attempts, s.ID)
			target := a.Target(res.Status)
			if target == "" {
				return ir.TransitionEvent{}, missingTransition(t.TaskID, s.ID, string(res.Status))
			}
			reason := ir.ReasonCompleted
			if res.Status == ir.StatusFeedback {
				reason = ir.ReasonFeedbackPause
			}
			return r.event(s.ID, target, string(res.Status), reason, attempt, 0), nil
		}

		// failed
		msg := res.Message
		if msg == "" {
			msg = fmt.Sprintf("state %q failed on attempt %d", s.ID, attempt)
		}
		t.Bookkeeping.LastError = msg

		if attempt <= limit {
			if t.Bookkeeping.Attempts == nil {
				t.Bookkeeping.Attempts = make(map[string]int)
			}
			t.Bookkeeping.Attempts[s.ID] = attempt
			ev := r.event(s.ID, s.ID, ir.EventFailed, ir.ReasonAttemptFailed, attempt, 0)
			if err := r.checkpoint(ctx, []ir.TransitionEvent{ev}); err != nil {
				return ir.TransitionEvent{}, err
			}

			delay := Delay(backoffOf(a.Retry), attempt)
			slog.Debug("attempt failed, retrying",
				"task_id", t.TaskID,
				"state", s.ID,
				"attempt", attempt,
				"max", limit,
				"delay", delay,
				"error", msg,
			)
			if err := r.e.clock.Sleep(ctx, delay); err != nil {
				return ir.TransitionEvent{}, err
			}
			attempt++
			continue
		}

		delete(t.Bookkeeping.Attempts, s.ID)
		if a.Failed == "" {
			return ir.TransitionEvent{}, missingTransition(t.TaskID, s.ID, ir.EventFailed)
		}
		slog.Info("attempts exhausted",
			"task_id", t.TaskID,
			"state", s.ID,
			"attempts", attempt,
		)
		return r.event(s.ID, a.Failed, ir.EventFailed, ir.ReasonExhausted, attempt, 0), nil
	}
}

func backoffOf(p *ir.RetryPolicy) *ir.Backoff {
	if p == nil {
		return nil
	}
	return p.Backoff
}

func (r *run) stepOrchestrate(ctx context.Context, s ir.State) (ir.TransitionEvent, error) {
	t := r.task
	o := s.Orchestrate

	var selected string
	if h, ok := r.vg.HandlerFor(s.ID); ok {
		res, err := h.Handle(ctx, r.input(s.ID, 1))
		if err != nil {
			if errors.Is(err, ir.ErrMalformedOutput) {
				return ir.TransitionEvent{}, malformedOutput(t.TaskID, s.ID, err)
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ir.TransitionEvent{}, ctxErr
			}
			res = ir.HandlerResult{Status: ir.StatusFailed, Message: err.Error()}
		} else if cerr := res.Check(); cerr != nil {
			return ir.TransitionEvent{}, malformedOutput(t.TaskID, s.ID, cerr)
		}
		r.applyResult(res)
		if res.Status == ir.StatusFailed && res.Message != "" {
			t.Bookkeeping.LastError = res.Message
		}
		selected = string(res.Status)
		if res.Route != "" {
			selected = res.Route
		}
	} else if sel, ok := r.vg.SelectorFor(s.ID); ok {
		in := r.input(s.ID, 0)
		event, err := sel.Select(ctx, in)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ir.TransitionEvent{}, ctxErr
			}
			return ir.TransitionEvent{}, malformedOutput(t.TaskID, s.ID, fmt.Errorf("selector: %w", err))
		}
		if event == "" {
			return ir.TransitionEvent{}, malformedOutput(t.TaskID, s.ID,
				fmt.Errorf("%w: selector returned an empty event", ir.ErrMalformedOutput))
		}
		selected = event
	} else {
		return ir.TransitionEvent{}, orchestrateUnconfigured(t.TaskID, s.ID)
	}

	event, unmapped := selected, false
	if router, ok := r.vg.RouterFor(s.ID); ok {
		event, unmapped = router.Resolve(selected)
	}
	target, ok := o.Transitions[event]
	if !ok || target == "" {
		return ir.TransitionEvent{}, missingTransition(t.TaskID, s.ID, selected)
	}

	reason := ir.ReasonRouted
	if unmapped {
		reason = ir.ReasonRouteUnmapped
		// Only a fallback that fails the task records the unknown branch.
		if next, ok := r.vg.Graph.Lookup(target); ok && next.Kind == ir.KindTerminal && next.Terminal.Status == ir.TerminalFailed {
			t.Bookkeeping.LastError = "Unknown branch selected: " + selected
		}
		slog.Warn("unmapped route",
			"task_id", t.TaskID,
			"state", s.ID,
			"selected", selected,
			"target", target,
		)
	}
	return r.event(s.ID, target, event, reason, 0, 0), nil
}

func (r *run) stepLoop(s ir.State) (ir.TransitionEvent, error) {
	t := r.task
	l := s.Loop
	done := t.Bookkeeping.Loops[s.ID]
	if done < 0 {
		return ir.TransitionEvent{}, invalidState(t.TaskID, s.ID, fmt.Sprintf("negative loop counter %d", done))
	}

	if guard, ok := r.vg.GuardFor(s.ID); ok && guard(ir.CloneMap(t.Context), done) {
		delete(t.Bookkeeping.Loops, s.ID)
		return r.event(s.ID, l.Done, ir.EventDone, ir.ReasonLoopDone, 0, done), nil
	}
	if done >= l.MaxIterations {
		delete(t.Bookkeeping.Loops, s.ID)
		return r.event(s.ID, l.Exhausted, ir.EventExhausted, ir.ReasonLoopExhausted, 0, done), nil
	}

	done++
	if t.Bookkeeping.Loops == nil {
		t.Bookkeeping.Loops = make(map[string]int)
	}
	t.Bookkeeping.Loops[s.ID] = done
	return r.event(s.ID, l.Body, ir.EventContinue, ir.ReasonLoopContinue, 0, done), nil
}

func (r *run) event(from, to, event string, reason ir.ReasonCode, attempt, iteration int) ir.TransitionEvent {
	ev := ir.TransitionEvent{
		TaskID:        r.task.TaskID,
		Seq:           r.clock.Next(),
		RunID:         r.task.RunID,
		TickID:        r.tickID,
		From:          from,
		To:            to,
		Event:         event,
		Reason:        reason,
		Attempt:       attempt,
		LoopIteration: iteration,
		Timestamp:     r.e.clock.Now(),
	}
	ev.ID = ir.MustEventID(ev)
	return ev
}

// checkpoint persists the task with events and records them in the outcome.
func (r *run) checkpoint(ctx context.Context, events []ir.TransitionEvent) error {
	t := r.task
	if len(events) > 0 {
		t.LastSeq = events[len(events)-1].Seq
	}
	if err := r.e.checkpointer.Checkpoint(ctx, t.Clone(), events); err != nil {
		return fmt.Errorf("checkpoint task %s: %w", t.TaskID, err)
	}
	r.out.Events = append(r.out.Events, events...)
	for _, ev := range events {
		slog.Debug("transition",
			"task_id", ev.TaskID,
			"seq", ev.Seq,
			"from", ev.From,
			"to", ev.To,
			"event", ev.Event,
			"reason", ev.Reason,
			"attempt", ev.Attempt,
		)
	}
	return nil
}

// fail marks the task failed with the runtime error message and persists it.
func (r *run) fail(ctx context.Context, re *RuntimeError) error {
	t := r.task
	t.Lifecycle = ir.LifecycleFailed
	t.Bookkeeping.LastError = re.Message
	t.PausedAt = nil
	slog.Error("fatal run error",
		"task_id", t.TaskID,
		"state", t.CurrentStateID,
		"code", re.Code,
		"error", re.Message,
	)
	if err := r.checkpoint(ctx, nil); err != nil {
		return errors.Join(re, err)
	}
	return re
}

// Elapsed reports how long a paused task has waited, or zero when not paused.
func Elapsed(t *ir.TaskState, now time.Time) time.Duration {
	if t.PausedAt == nil {
		return 0
	}
	return now.Sub(*t.PausedAt)
}
