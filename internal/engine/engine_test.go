package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/compiler"
	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/ir"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func intp(n int) *int { return &n }

func done() ir.HandlerResult { return ir.HandlerResult{Status: ir.StatusDone} }

func handler(fn func(in ir.HandlerInput) (ir.HandlerResult, error)) compiler.Handler {
	return compiler.HandlerFunc(func(_ context.Context, in ir.HandlerInput) (ir.HandlerResult, error) {
		return fn(in)
	})
}

func endState(id string, status ir.TerminalStatus) compiler.StateDef {
	return compiler.StateDef{ID: id, End: &compiler.EndDef{Status: status}}
}

func step(id, run, onDone, onFailed string) compiler.StateDef {
	return compiler.StateDef{ID: id, Step: &compiler.StepDef{
		Run:         run,
		Transitions: compiler.Transitions{Done: onDone, Failed: onFailed},
	}}
}

func mustCompile(t *testing.T, def *compiler.Definition, reg *compiler.Registry) *compiler.ValidGraph {
	t.Helper()
	vg, err := compiler.Compile(def, reg)
	require.NoError(t, err)
	return vg
}

// recorder is a Checkpointer capturing every persisted snapshot.
type recorder struct {
	mu     sync.Mutex
	tasks  []*ir.TaskState
	events []ir.TransitionEvent
	calls  int
}

func (r *recorder) Checkpoint(_ context.Context, task *ir.TaskState, events []ir.TransitionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.tasks = append(r.tasks, task)
	r.events = append(r.events, events...)
	return nil
}

type fixture struct {
	engine *Engine
	clock  *FakeClock
	rec    *recorder
}

func newFixture(opts ...EngineOption) *fixture {
	f := &fixture{clock: NewFakeClock(epoch), rec: &recorder{}}
	base := []EngineOption{
		WithClock(f.clock),
		WithIDGenerators(NewSequenceGenerator("run"), NewSequenceGenerator("tick")),
		WithCheckpointer(f.rec),
	}
	f.engine = New(append(base, opts...)...)
	return f
}

func newTask(vg *compiler.ValidGraph) *ir.TaskState {
	task := NewTask("task-1", vg.Graph, ir.TaskMeta{Title: "Write launch post"})
	task.GraphHash = vg.Hash
	return task
}

func path(events []ir.TransitionEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = fmt.Sprintf("%s->%s:%s/%s", ev.From, ev.To, ev.Event, ev.Reason)
	}
	return out
}

func reviewDefinition(selected string) (*compiler.Definition, *compiler.Registry) {
	reg := compiler.NewRegistry()
	reg.RegisterHandler("draft", handler(func(in ir.HandlerInput) (ir.HandlerResult, error) {
		return ir.HandlerResult{Status: ir.StatusDone, Data: map[string]any{"draft": "v1"}}, nil
	}))
	reg.RegisterSelector("review", compiler.SelectorFunc(func(_ context.Context, in ir.HandlerInput) (string, error) {
		return selected, nil
	}))
	def := &compiler.Definition{
		ID:    "review",
		Start: "draft",
		States: []compiler.StateDef{
			step("draft", "draft", "decide", "failed"),
			{ID: "decide", Route: &compiler.RouteDef{
				Selector:    "review",
				Transitions: map[string]string{"approve": "done", "reject": "failed"},
			}},
			endState("done", ir.TerminalDone),
			endState("failed", ir.TerminalFailed),
		},
	}
	return def, reg
}

func TestAdvance_StepThenRouteApprove(t *testing.T) {
	def, reg := reviewDefinition("approve")
	vg := mustCompile(t, def, reg)
	f := newFixture()

	out, err := f.engine.Advance(context.Background(), vg, newTask(vg), TickInput{})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"draft->decide:done/completed",
		"decide->done:approve/routed",
	}, path(out.Events))
	assert.Equal(t, ir.LifecycleDone, out.Task.Lifecycle)
	assert.Equal(t, "done", out.Task.CurrentStateID)
	assert.Equal(t, "v1", out.Task.Context["draft"])
	assert.Equal(t, 2, out.Transitions)
	assert.False(t, out.Yielded)
	assert.Equal(t, "run-1", out.Task.RunID)
	assert.Equal(t, "tick-1", out.TickID)

	for i, ev := range out.Events {
		assert.Equal(t, int64(i+1), ev.Seq)
		assert.Equal(t, ir.MustEventID(ev), ev.ID)
		assert.NoError(t, ev.CheckPairing())
	}
	assert.Equal(t, int64(2), out.Task.LastSeq)
	assert.Equal(t, out.Events, f.rec.events, "every event is checkpointed")
}

func TestAdvance_UnmappedRouteFailsDeterministically(t *testing.T) {
	def, reg := reviewDefinition("maybe")
	vg := mustCompile(t, def, reg)

	var runs [][]ir.TransitionEvent
	for i := 0; i < 2; i++ {
		f := newFixture()
		out, err := f.engine.Advance(context.Background(), vg, newTask(vg), TickInput{})
		require.NoError(t, err)

		assert.Equal(t, ir.LifecycleFailed, out.Task.Lifecycle)
		assert.Equal(t, "decide__route_failed", out.Task.CurrentStateID)
		assert.Equal(t, "Unknown branch selected: maybe", out.Task.Bookkeeping.LastError)
		require.Len(t, out.Events, 2)
		last := out.Events[1]
		assert.Equal(t, ir.EventOtherwise, last.Event)
		assert.Equal(t, ir.ReasonRouteUnmapped, last.Reason)
		runs = append(runs, out.Events)
	}
	assert.Equal(t, runs[0], runs[1], "same inputs yield the same ledger")
}

func retryDefinition(failures int, max int, backoff *compiler.BackoffDef) (*compiler.Definition, *compiler.Registry, *int) {
	calls := 0
	reg := compiler.NewRegistry()
	reg.RegisterHandler("flaky", handler(func(in ir.HandlerInput) (ir.HandlerResult, error) {
		calls++
		if in.Attempt != calls {
			return ir.HandlerResult{}, fmt.Errorf("attempt %d on call %d", in.Attempt, calls)
		}
		if calls <= failures {
			return ir.HandlerResult{Status: ir.StatusFailed, Message: fmt.Sprintf("boom %d", calls)}, nil
		}
		return done(), nil
	}))
	def := &compiler.Definition{
		ID:    "retry",
		Start: "work",
		States: []compiler.StateDef{
			{ID: "work", Step: &compiler.StepDef{
				Run:         "flaky",
				Transitions: compiler.Transitions{Done: "done", Failed: "failed"},
				Retry:       &compiler.RetryDef{Max: intp(max), Backoff: backoff},
			}},
			endState("done", ir.TerminalDone),
			endState("failed", ir.TerminalFailed),
		},
	}
	return def, reg, &calls
}

func TestAdvance_RetryThenSucceed(t *testing.T) {
	def, reg, calls := retryDefinition(2, 2, &compiler.BackoffDef{Strategy: ir.BackoffExponential, BaseMs: 100})
	vg := mustCompile(t, def, reg)
	f := newFixture()

	out, err := f.engine.Advance(context.Background(), vg, newTask(vg), TickInput{})
	require.NoError(t, err)

	assert.Equal(t, 3, *calls)
	assert.Equal(t, []string{
		"work->work:failed/attempt_failed",
		"work->work:failed/attempt_failed",
		"work->done:done/completed",
	}, path(out.Events))
	assert.Equal(t, []int{1, 2, 3}, []int{out.Events[0].Attempt, out.Events[1].Attempt, out.Events[2].Attempt})
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, f.clock.Sleeps())
	assert.Equal(t, 1, out.Transitions, "failed attempts do not consume budget")
	assert.Equal(t, ir.LifecycleDone, out.Task.Lifecycle)
	assert.Empty(t, out.Task.Bookkeeping.Attempts, "counter cleared on success")
	assert.Equal(t, 3, f.rec.calls, "each failed attempt is checkpointed")
}

func TestAdvance_RetryExhausted(t *testing.T) {
	def, reg, calls := retryDefinition(10, 1, &compiler.BackoffDef{Strategy: ir.BackoffFixed, BaseMs: 50})
	vg := mustCompile(t, def, reg)
	f := newFixture()

	out, err := f.engine.Advance(context.Background(), vg, newTask(vg), TickInput{})
	require.NoError(t, err)

	assert.Equal(t, 2, *calls)
	assert.Equal(t, []string{
		"work->work:failed/attempt_failed",
		"work->failed:failed/exhausted",
	}, path(out.Events))
	assert.Equal(t, 2, out.Events[1].Attempt)
	assert.Equal(t, []time.Duration{50 * time.Millisecond}, f.clock.Sleeps())
	assert.Equal(t, ir.LifecycleFailed, out.Task.Lifecycle)
	assert.Equal(t, "boom 2", out.Task.Bookkeeping.LastError)
}

func TestAdvance_RetryResumesAttemptCounter(t *testing.T) {
	def, reg, _ := retryDefinition(0, 3, nil)
	reg.RegisterHandler("flaky", handler(func(in ir.HandlerInput) (ir.HandlerResult, error) {
		assert.Equal(t, 3, in.Attempt, "attempt numbering continues after a crash")
		return done(), nil
	}))
	vg := mustCompile(t, def, reg)
	f := newFixture()

	task := newTask(vg)
	task.Lifecycle = ir.LifecycleRunning
	task.Bookkeeping.Attempts = map[string]int{"work": 2}

	out, err := f.engine.Advance(context.Background(), vg, task, TickInput{})
	require.NoError(t, err)
	require.Len(t, out.Events, 1)
	assert.Equal(t, 3, out.Events[0].Attempt)
	assert.Equal(t, map[string]int{"work": 2}, task.Bookkeeping.Attempts, "input task is not mutated")
}

func TestAdvance_HandlerErrorIsFailedAttempt(t *testing.T) {
	reg := compiler.NewRegistry()
	reg.RegisterHandler("broken", handler(func(in ir.HandlerInput) (ir.HandlerResult, error) {
		return ir.HandlerResult{}, errors.New("connection refused")
	}))
	def := &compiler.Definition{
		ID:    "err",
		Start: "work",
		States: []compiler.StateDef{
			step("work", "broken", "done", "failed"),
			endState("done", ir.TerminalDone),
			endState("failed", ir.TerminalFailed),
		},
	}
	vg := mustCompile(t, def, reg)

	out, err := newFixture().engine.Advance(context.Background(), vg, newTask(vg), TickInput{})
	require.NoError(t, err)
	assert.Equal(t, []string{"work->failed:failed/exhausted"}, path(out.Events))
	assert.Equal(t, "connection refused", out.Task.Bookkeeping.LastError)
}

func TestAdvance_LoopExhausted(t *testing.T) {
	bodyRuns := 0
	reg := compiler.NewRegistry()
	reg.RegisterHandler("work", handler(func(in ir.HandlerInput) (ir.HandlerResult, error) {
		bodyRuns++
		return done(), nil
	}))
	reg.RegisterGuard("never", func(map[string]any, int) bool { return false })
	def := &compiler.Definition{
		ID:    "loop",
		Start: "repeat",
		States: []compiler.StateDef{
			{ID: "repeat", Loop: &compiler.LoopDef{
				Body:          "work",
				MaxIterations: 2,
				Until:         &compiler.UntilDef{Name: "never"},
				Transitions:   compiler.LoopTransitions{Done: "done", Exhausted: "gave_up"},
			}},
			step("work", "work", "repeat", "failed"),
			endState("done", ir.TerminalDone),
			endState("gave_up", ir.TerminalBlocked),
			endState("failed", ir.TerminalFailed),
		},
	}
	vg := mustCompile(t, def, reg)

	out, err := newFixture().engine.Advance(context.Background(), vg, newTask(vg), TickInput{})
	require.NoError(t, err)

	assert.Equal(t, 2, bodyRuns)
	assert.Equal(t, []string{
		"repeat->work:continue/loop_continue",
		"work->repeat:done/completed",
		"repeat->work:continue/loop_continue",
		"work->repeat:done/completed",
		"repeat->gave_up:exhausted/loop_exhausted",
	}, path(out.Events))
	assert.Equal(t, 1, out.Events[0].LoopIteration)
	assert.Equal(t, 2, out.Events[2].LoopIteration)
	assert.Equal(t, 2, out.Events[4].LoopIteration)
	assert.Equal(t, ir.LifecycleBlocked, out.Task.Lifecycle)
	assert.Empty(t, out.Task.Bookkeeping.Loops, "loop counter cleared on exit")
}

func TestAdvance_LoopInlineGuardDone(t *testing.T) {
	reg := compiler.NewRegistry()
	reg.RegisterHandler("work", handler(func(in ir.HandlerInput) (ir.HandlerResult, error) {
		return ir.HandlerResult{Status: ir.StatusDone, Data: map[string]any{"ready": true}}, nil
	}))
	def := &compiler.Definition{
		ID:    "loop",
		Start: "repeat",
		States: []compiler.StateDef{
			{ID: "repeat", Loop: &compiler.LoopDef{
				Body:          "work",
				MaxIterations: 5,
				Until:         &compiler.UntilDef{Inline: &ir.InlineGuard{Key: "ready"}},
				Transitions:   compiler.LoopTransitions{Done: "done", Exhausted: "failed"},
			}},
			step("work", "work", "repeat", "failed"),
			endState("done", ir.TerminalDone),
			endState("failed", ir.TerminalFailed),
		},
	}
	vg := mustCompile(t, def, reg)

	out, err := newFixture().engine.Advance(context.Background(), vg, newTask(vg), TickInput{})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"repeat->work:continue/loop_continue",
		"work->repeat:done/completed",
		"repeat->done:done/loop_done",
	}, path(out.Events))
	assert.Equal(t, ir.LifecycleDone, out.Task.Lifecycle)
}

func TestAdvance_BudgetYieldsAcrossTicks(t *testing.T) {
	reg := compiler.NewRegistry()
	reg.RegisterHandler("work", handler(func(ir.HandlerInput) (ir.HandlerResult, error) { return done(), nil }))
	def := &compiler.Definition{
		ID:    "chain",
		Start: "a",
		States: []compiler.StateDef{
			step("a", "work", "b", "failed"),
			step("b", "work", "c", "failed"),
			step("c", "work", "done", "failed"),
			endState("done", ir.TerminalDone),
			endState("failed", ir.TerminalFailed),
		},
	}
	vg := mustCompile(t, def, reg)
	f := newFixture(WithBudget(1))

	task := newTask(vg)
	wantStates := []string{"b", "c", "done"}
	for i, want := range wantStates {
		out, err := f.engine.Advance(context.Background(), vg, task, TickInput{})
		require.NoError(t, err)
		require.Len(t, out.Events, 1, "tick %d", i+1)
		assert.Equal(t, int64(i+1), out.Events[0].Seq, "seq continues across ticks")
		assert.Equal(t, want, out.Task.CurrentStateID)
		task = out.Task
	}
	assert.Equal(t, ir.LifecycleDone, task.Lifecycle)

	out, err := f.engine.Advance(context.Background(), vg, task, TickInput{})
	require.NoError(t, err)
	assert.Empty(t, out.Events, "final task is left alone")
}

func TestAdvance_BudgetYieldKeepsRunning(t *testing.T) {
	reg := compiler.NewRegistry()
	reg.RegisterHandler("work", handler(func(ir.HandlerInput) (ir.HandlerResult, error) { return done(), nil }))
	def := &compiler.Definition{
		ID:    "chain",
		Start: "a",
		States: []compiler.StateDef{
			step("a", "work", "b", "failed"),
			step("b", "work", "done", "failed"),
			endState("done", ir.TerminalDone),
			endState("failed", ir.TerminalFailed),
		},
	}
	vg := mustCompile(t, def, reg)

	out, err := newFixture(WithBudget(1)).engine.Advance(context.Background(), vg, newTask(vg), TickInput{})
	require.NoError(t, err)
	assert.True(t, out.Yielded)
	assert.Equal(t, ir.LifecycleRunning, out.Task.Lifecycle)
	assert.Equal(t, "b", out.Task.CurrentStateID)
}

func askDefinition() (*compiler.Definition, *compiler.Registry) {
	def := &compiler.Definition{
		ID:      "approval",
		Start:   "approve",
		Context: map[string]any{"title": "Launch"},
		States: []compiler.StateDef{
			{ID: "approve", Ask: &compiler.AskDef{
				Prompt:      "Approve {{.title}}?",
				Into:        "answer",
				Transitions: compiler.Transitions{Done: "done", Failed: "failed"},
			}},
			endState("done", ir.TerminalDone),
			endState("failed", ir.TerminalFailed),
		},
	}
	return def, compiler.NewRegistry()
}

func TestAdvance_FeedbackSuspendAndResume(t *testing.T) {
	def, reg := askDefinition()
	vg := mustCompile(t, def, reg)
	f := newFixture()

	out, err := f.engine.Advance(context.Background(), vg, newTask(vg), TickInput{})
	require.NoError(t, err)
	assert.Equal(t, []string{"approve->approve__feedback:feedback/feedback_pause"}, path(out.Events))
	assert.Equal(t, ir.LifecycleFeedback, out.Task.Lifecycle)
	assert.True(t, out.Suspended)
	require.NotNil(t, out.Task.PausedAt)
	assert.Equal(t, epoch, *out.Task.PausedAt)
	assert.Equal(t, "approve", out.Task.Bookkeeping.PausedFrom)

	// No reply: stays paused, nothing emitted.
	again, err := f.engine.Advance(context.Background(), vg, out.Task, TickInput{})
	require.NoError(t, err)
	assert.Empty(t, again.Events)
	assert.Equal(t, ir.LifecycleFeedback, again.Task.Lifecycle)

	reply := "ship it"
	resumed, err := f.engine.Advance(context.Background(), vg, again.Task, TickInput{Reply: &reply})
	require.NoError(t, err)
	assert.True(t, resumed.ReplyConsumed)
	assert.Equal(t, []string{"approve->done:done/completed"}, path(resumed.Events))
	assert.Equal(t, "ship it", resumed.Task.Context["answer"])
	assert.Equal(t, "Launch", resumed.Task.Context["title"])
	assert.NotContains(t, resumed.Task.Context, ir.ReplyKey)
	assert.Equal(t, ir.LifecycleDone, resumed.Task.Lifecycle)
	assert.Nil(t, resumed.Task.PausedAt)
	assert.Equal(t, int64(2), resumed.Events[0].Seq)
}

func TestAdvance_FeedbackReplyConsumedAtMostOnce(t *testing.T) {
	parses := 0
	def, reg := askDefinition()
	def.States[0].Ask.Parse = "yesno"
	reg.RegisterParser("yesno", func(reply string, in ir.HandlerInput) (ir.HandlerResult, error) {
		parses++
		if reply == "yes" {
			return done(), nil
		}
		// Anything else asks again.
		return ir.HandlerResult{Status: ir.StatusFeedback, Message: "please answer yes"}, nil
	})
	vg := mustCompile(t, def, reg)
	f := newFixture()

	out, err := f.engine.Advance(context.Background(), vg, newTask(vg), TickInput{})
	require.NoError(t, err)

	reply := "hmm"
	out, err = f.engine.Advance(context.Background(), vg, out.Task, TickInput{Reply: &reply})
	require.NoError(t, err)
	assert.Equal(t, 1, parses)
	assert.True(t, out.ReplyConsumed)
	assert.Equal(t, ir.LifecycleFeedback, out.Task.Lifecycle, "re-asked after an unusable reply")
	assert.Equal(t, []string{"approve->approve__feedback:feedback/feedback_pause"}, path(out.Events))

	// A later tick without a reply must not replay the old one.
	out, err = f.engine.Advance(context.Background(), vg, out.Task, TickInput{})
	require.NoError(t, err)
	assert.Equal(t, 1, parses)
	assert.Empty(t, out.Events)
}

func TestAdvance_FeedbackReplyFromContext(t *testing.T) {
	def, reg := askDefinition()
	vg := mustCompile(t, def, reg)
	f := newFixture()

	out, err := f.engine.Advance(context.Background(), vg, newTask(vg), TickInput{})
	require.NoError(t, err)

	task := out.Task
	task.Context[ir.ReplyKey] = "from notion"
	out, err = f.engine.Advance(context.Background(), vg, task, TickInput{})
	require.NoError(t, err)
	assert.False(t, out.ReplyConsumed, "no explicit reply was passed")
	assert.Equal(t, "from notion", out.Task.Context["answer"])
	assert.NotContains(t, out.Task.Context, ir.ReplyKey)
	assert.Equal(t, ir.LifecycleDone, out.Task.Lifecycle)
}

func TestAdvance_MalformedOutputIsFatal(t *testing.T) {
	reg := compiler.NewRegistry()
	reg.RegisterHandler("bad", handler(func(ir.HandlerInput) (ir.HandlerResult, error) {
		return ir.HandlerResult{Status: "maybe"}, nil
	}))
	def := &compiler.Definition{
		ID:    "bad",
		Start: "work",
		States: []compiler.StateDef{
			step("work", "bad", "done", "failed"),
			endState("done", ir.TerminalDone),
			endState("failed", ir.TerminalFailed),
		},
	}
	vg := mustCompile(t, def, reg)
	f := newFixture()

	out, err := f.engine.Advance(context.Background(), vg, newTask(vg), TickInput{})
	require.Error(t, err)
	assert.True(t, IsMalformedOutput(err))
	require.NotNil(t, out)
	assert.Equal(t, ir.LifecycleFailed, out.Task.Lifecycle)
	assert.Equal(t, "work", out.Task.CurrentStateID)
	assert.NotEmpty(t, out.Task.Bookkeeping.LastError)
	assert.Empty(t, out.Events)
	require.NotEmpty(t, f.rec.tasks)
	assert.Equal(t, ir.LifecycleFailed, f.rec.tasks[len(f.rec.tasks)-1].Lifecycle, "failure is persisted")
}

func TestAdvance_MissingTransitionIsFatal(t *testing.T) {
	reg := compiler.NewRegistry()
	reg.RegisterHandler("fails", handler(func(ir.HandlerInput) (ir.HandlerResult, error) {
		return ir.HandlerResult{Status: ir.StatusFailed}, nil
	}))
	def := &compiler.Definition{
		ID:    "gap",
		Start: "work",
		States: []compiler.StateDef{
			step("work", "fails", "done", ""),
			endState("done", ir.TerminalDone),
		},
	}
	vg := mustCompile(t, def, reg)

	out, err := newFixture().engine.Advance(context.Background(), vg, newTask(vg), TickInput{})
	require.Error(t, err)
	assert.True(t, IsMissingTransition(err))
	assert.Equal(t, ErrCodeMissingTransition, CodeOf(err))
	assert.Equal(t, ir.LifecycleFailed, out.Task.Lifecycle)
}

func TestAdvance_MissingCurrentStateIsFatal(t *testing.T) {
	def, reg := reviewDefinition("approve")
	vg := mustCompile(t, def, reg)

	task := newTask(vg)
	task.CurrentStateID = "deleted"
	out, err := newFixture().engine.Advance(context.Background(), vg, task, TickInput{})
	require.Error(t, err)
	assert.Equal(t, ErrCodeMissingState, CodeOf(err))
	assert.Equal(t, ir.LifecycleFailed, out.Task.Lifecycle)
}

func TestAdvance_StrictLeaseRequired(t *testing.T) {
	def, reg := reviewDefinition("approve")
	vg := mustCompile(t, def, reg)
	f := newFixture(WithLeaseMode(LeaseStrict))

	out, err := f.engine.Advance(context.Background(), vg, newTask(vg), TickInput{})
	assert.ErrorIs(t, err, ErrLeaseRequired)
	assert.Nil(t, out)
	assert.Zero(t, f.rec.calls)

	out, err = f.engine.Advance(context.Background(), vg, newTask(vg), TickInput{LeaseValid: true})
	require.NoError(t, err)
	assert.Equal(t, ir.LifecycleDone, out.Task.Lifecycle)
}

func TestAdvance_CheckpointErrorStops(t *testing.T) {
	def, reg := reviewDefinition("approve")
	vg := mustCompile(t, def, reg)
	boom := errors.New("disk full")
	e := New(
		WithClock(NewFakeClock(epoch)),
		WithCheckpointer(CheckpointFunc(func(context.Context, *ir.TaskState, []ir.TransitionEvent) error {
			return boom
		})),
	)

	out, err := e.Advance(context.Background(), vg, newTask(vg), TickInput{})
	assert.ErrorIs(t, err, boom)
	require.NotNil(t, out)
	assert.Empty(t, out.Events, "events are only reported once persisted")
}

func TestAdvance_CancelledDuringBackoff(t *testing.T) {
	def, reg, _ := retryDefinition(5, 3, &compiler.BackoffDef{Strategy: ir.BackoffFixed, BaseMs: 10})
	vg := mustCompile(t, def, reg)
	ctx, cancel := context.WithCancel(context.Background())
	e := New(
		WithClock(NewFakeClock(epoch)),
		WithCheckpointer(CheckpointFunc(func(context.Context, *ir.TaskState, []ir.TransitionEvent) error {
			cancel()
			return nil
		})),
	)

	out, err := e.Advance(ctx, vg, newTask(vg), TickInput{})
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, out.Events, 1)
	assert.Equal(t, ir.ReasonAttemptFailed, out.Events[0].Reason)
	assert.NotEqual(t, ir.LifecycleFailed, out.Task.Lifecycle, "cancellation is not a task failure")
}

func TestAdvance_OrchestrateHandlerRoute(t *testing.T) {
	reg := compiler.NewRegistry()
	reg.RegisterHandler("classify", handler(func(ir.HandlerInput) (ir.HandlerResult, error) {
		return ir.HandlerResult{Status: ir.StatusDone, Route: "bug", Data: map[string]any{"label": "bug"}}, nil
	}))
	def := &compiler.Definition{
		ID:    "triage",
		Start: "classify",
		States: []compiler.StateDef{
			{ID: "classify", Route: &compiler.RouteDef{
				Handler:     "classify",
				Transitions: map[string]string{"bug": "done", "feature": "failed"},
			}},
			endState("done", ir.TerminalDone),
			endState("failed", ir.TerminalFailed),
		},
	}
	vg := mustCompile(t, def, reg)

	out, err := newFixture().engine.Advance(context.Background(), vg, newTask(vg), TickInput{})
	require.NoError(t, err)
	assert.Equal(t, []string{"classify->done:bug/routed"}, path(out.Events))
	assert.Equal(t, "bug", out.Task.Context["label"])
}

func TestAdvance_InitialContextMerged(t *testing.T) {
	def, reg := reviewDefinition("approve")
	def.Context = map[string]any{"tone": "formal", "audience": "ops"}
	vg := mustCompile(t, def, reg)

	task := NewTask("t", vg.Graph, ir.TaskMeta{})
	task.Context["tone"] = "casual"
	assert.Equal(t, "t", task.Meta.ID)

	out, err := newFixture().engine.Advance(context.Background(), vg, task, TickInput{})
	require.NoError(t, err)
	assert.Equal(t, "casual", out.Task.Context["tone"], "task values override definition context")
	assert.Equal(t, "ops", out.Task.Context["audience"])
	assert.Equal(t, "formal", vg.Graph.InitialContext["tone"], "graph context is not mutated")
}

func TestElapsed(t *testing.T) {
	task := &ir.TaskState{}
	assert.Zero(t, Elapsed(task, epoch))

	paused := epoch.Add(-time.Hour)
	task.PausedAt = &paused
	assert.Equal(t, time.Hour, Elapsed(task, epoch))
}

func TestAdvance_UnparseableReplyIsParsedOnce(t *testing.T) {
	parses := 0
	reg := compiler.NewRegistry()
	reg.RegisterParser("strict", func(reply string, _ ir.HandlerInput) (ir.HandlerResult, error) {
		parses++
		return ir.HandlerResult{}, fmt.Errorf("reply %q is not a verdict", reply)
	})
	def := &compiler.Definition{
		ID:    "ask",
		Start: "approve",
		States: []compiler.StateDef{
			{ID: "approve", Ask: &compiler.AskDef{
				Prompt:      "Approve?",
				Parse:       "strict",
				Transitions: compiler.Transitions{Done: "done", Failed: "approve"},
			}},
			endState("done", ir.TerminalDone),
		},
	}
	vg := mustCompile(t, def, reg)
	task := newTask(vg)
	task.Context[ir.ReplyKey] = "maybe later"

	out, err := newFixture(WithBudget(10)).engine.Advance(context.Background(), vg, task, TickInput{})
	require.NoError(t, err)

	assert.Equal(t, 1, parses)
	assert.Equal(t, []string{
		"approve->approve:failed/exhausted",
		"approve->approve__feedback:feedback/feedback_pause",
	}, path(out.Events))
	assert.Equal(t, ir.LifecycleFeedback, out.Task.Lifecycle)
	assert.NotContains(t, out.Task.Context, ir.ReplyKey)
	assert.Contains(t, out.Task.Bookkeeping.LastError, "not a verdict")
}

func TestAdvance_DeclaredOtherwiseLeavesNoError(t *testing.T) {
	reg := compiler.NewRegistry()
	reg.RegisterSelector("review", compiler.SelectorFunc(func(context.Context, ir.HandlerInput) (string, error) {
		return "weird", nil
	}))
	def := &compiler.Definition{
		ID:    "route",
		Start: "decide",
		States: []compiler.StateDef{
			{ID: "decide", Route: &compiler.RouteDef{
				Selector:    "review",
				Transitions: map[string]string{"approve": "done", ir.EventOtherwise: "done"},
			}},
			endState("done", ir.TerminalDone),
		},
	}
	vg := mustCompile(t, def, reg)

	out, err := newFixture().engine.Advance(context.Background(), vg, newTask(vg), TickInput{})
	require.NoError(t, err)

	assert.Equal(t, []string{"decide->done:otherwise/route_unmapped"}, path(out.Events))
	assert.Equal(t, ir.LifecycleDone, out.Task.Lifecycle)
	assert.Empty(t, out.Task.Bookkeeping.LastError)
}

func TestAdvance_LoopReentryStartsFreshCount(t *testing.T) {
	bodyRuns := 0
	reg := compiler.NewRegistry()
	reg.RegisterHandler("work", handler(func(in ir.HandlerInput) (ir.HandlerResult, error) {
		bodyRuns++
		if bodyRuns == 1 {
			return ir.HandlerResult{Status: ir.StatusFailed, Message: "needs fixup"}, nil
		}
		return done(), nil
	}))
	reg.RegisterHandler("fixup", handler(func(in ir.HandlerInput) (ir.HandlerResult, error) {
		return done(), nil
	}))
	reg.RegisterGuard("never", func(map[string]any, int) bool { return false })
	def := &compiler.Definition{
		ID:    "loop",
		Start: "repeat",
		States: []compiler.StateDef{
			{ID: "repeat", Loop: &compiler.LoopDef{
				Body:          "work",
				MaxIterations: 2,
				Until:         &compiler.UntilDef{Name: "never"},
				Transitions:   compiler.LoopTransitions{Done: "done", Exhausted: "gave_up"},
			}},
			step("work", "work", "repeat", "fixup"),
			step("fixup", "fixup", "repeat", "gave_up"),
			endState("done", ir.TerminalDone),
			endState("gave_up", ir.TerminalBlocked),
		},
	}
	vg := mustCompile(t, def, reg)

	out, err := newFixture().engine.Advance(context.Background(), vg, newTask(vg), TickInput{})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"repeat->work:continue/loop_continue",
		"work->fixup:failed/exhausted",
		"fixup->repeat:done/completed",
		"repeat->work:continue/loop_continue",
		"work->repeat:done/completed",
		"repeat->work:continue/loop_continue",
		"work->repeat:done/completed",
		"repeat->gave_up:exhausted/loop_exhausted",
	}, path(out.Events))
	assert.Equal(t, 3, bodyRuns, "two full iterations after re-entry")
	assert.Equal(t, 1, out.Events[3].LoopIteration)
	assert.Equal(t, 2, out.Events[7].LoopIteration)
	assert.Empty(t, out.Task.Bookkeeping.Loops)
}
