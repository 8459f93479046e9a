package compiler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/ir"
)

func noopHandler() Handler {
	return HandlerFunc(func(ctx context.Context, in ir.HandlerInput) (ir.HandlerResult, error) {
		return ir.HandlerResult{Status: ir.StatusDone}, nil
	})
}

func testRegistry() *Registry {
	reg := NewRegistry()
	reg.RegisterHandler("work", noopHandler())
	reg.RegisterSelector("pick", SelectorFunc(func(ctx context.Context, in ir.HandlerInput) (string, error) {
		return "approve", nil
	}))
	reg.RegisterRenderer("page", func(ctx map[string]any) (any, error) {
		return "# " + ctx["title"].(string), nil
	})
	return reg
}

func endDone() StateDef   { return StateDef{ID: "done", End: &EndDef{Status: ir.TerminalDone}} }
func endFailed() StateDef { return StateDef{ID: "failed", End: &EndDef{Status: ir.TerminalFailed}} }

func TestLower_Step(t *testing.T) {
	def := &Definition{
		ID:    "wf",
		Start: "work",
		States: []StateDef{
			{ID: "work", Step: &StepDef{
				Run:         "work",
				Transitions: Transitions{Done: "done", Failed: "failed"},
				Retry:       &RetryDef{Max: intp(2), Backoff: &BackoffDef{Strategy: ir.BackoffFixed, BaseMs: 5}},
			}},
			endDone(),
			endFailed(),
		},
	}

	g, err := Lower(def)
	require.NoError(t, err)
	require.Len(t, g.States, 3)

	s := g.States["work"]
	assert.Equal(t, ir.KindAction, s.Kind)
	assert.Equal(t, "work", s.Action.Handler)
	assert.Equal(t, "done", s.Action.Done)
	assert.Equal(t, "failed", s.Action.Failed)
	require.NotNil(t, s.Action.Retry)
	assert.Equal(t, 2, s.Action.Retry.Limit())
	assert.Equal(t, int64(5), s.Action.Retry.Backoff.BaseMs)
}

func TestLower_AskSynthesizesPause(t *testing.T) {
	def := &Definition{
		ID:    "wf",
		Start: "approve",
		States: []StateDef{
			{ID: "approve", Ask: &AskDef{Prompt: "ok?", Transitions: Transitions{Done: "done"}}},
			endDone(),
		},
	}

	g, err := Lower(def)
	require.NoError(t, err)

	a := g.States["approve"]
	assert.Equal(t, ir.KindAction, a.Kind)
	assert.Equal(t, "approve__feedback", a.Action.Feedback)

	pause := g.States["approve__feedback"]
	assert.Equal(t, ir.KindFeedback, pause.Kind)
	assert.Equal(t, ir.ResumePrevious, pause.Feedback.ResumeTarget)
}

func TestLower_AskResumeDefaultsToCallerFeedbackTarget(t *testing.T) {
	def := &Definition{
		ID:    "wf",
		Start: "approve",
		States: []StateDef{
			{ID: "approve", Ask: &AskDef{Prompt: "ok?", Transitions: Transitions{Done: "done", Feedback: "revise"}}},
			{ID: "revise", Step: &StepDef{Run: "work", Transitions: Transitions{Done: "approve"}}},
			endDone(),
		},
	}

	g, err := Lower(def)
	require.NoError(t, err)

	assert.Equal(t, "approve__feedback", g.States["approve"].Action.Feedback)
	assert.Equal(t, "revise", g.States["approve__feedback"].Feedback.ResumeTarget)
}

func TestLower_RouteAddsFallback(t *testing.T) {
	def := &Definition{
		ID:    "wf",
		Start: "decide",
		States: []StateDef{
			{ID: "decide", Route: &RouteDef{Selector: "pick", Transitions: map[string]string{"approve": "done"}}},
			endDone(),
		},
	}

	g, err := Lower(def)
	require.NoError(t, err)

	o := g.States["decide"].Orchestrate
	assert.Equal(t, "decide__route_failed", o.Transitions[ir.EventOtherwise])
	assert.Equal(t, "done", o.Transitions["approve"])

	fb := g.States["decide__route_failed"]
	assert.Equal(t, ir.KindTerminal, fb.Kind)
	assert.Equal(t, ir.TerminalFailed, fb.Terminal.Status)

	// The authored map is not mutated.
	assert.NotContains(t, def.States[0].Route.Transitions, ir.EventOtherwise)
}

func TestLower_RouteKeepsExplicitOtherwise(t *testing.T) {
	def := &Definition{
		ID:    "wf",
		Start: "decide",
		States: []StateDef{
			{ID: "decide", Route: &RouteDef{Selector: "pick", Transitions: map[string]string{"approve": "done", "otherwise": "failed"}}},
			endDone(),
			endFailed(),
		},
	}

	g, err := Lower(def)
	require.NoError(t, err)
	assert.Len(t, g.States, 3)
	assert.Equal(t, "failed", g.States["decide"].Orchestrate.Transitions[ir.EventOtherwise])
}

func TestLower_LoopForcesContinue(t *testing.T) {
	def := &Definition{
		ID:    "wf",
		Start: "again",
		States: []StateDef{
			{ID: "body", Step: &StepDef{Run: "work", Transitions: Transitions{Done: "again"}}},
			{ID: "again", Loop: &LoopDef{
				Body:          "body",
				MaxIterations: 2,
				Transitions:   LoopTransitions{Continue: "elsewhere", Done: "done", Exhausted: "done"},
			}},
			endDone(),
		},
	}

	g, err := Lower(def)
	require.NoError(t, err)
	assert.Equal(t, "body", g.States["again"].Loop.Continue)
}

func TestLower_PublishDefaults(t *testing.T) {
	def := &Definition{
		ID:     "wf",
		Start:  "pub",
		States: []StateDef{{ID: "pub", Publish: &PublishDef{Render: "page"}}, endDone(), endFailed()},
	}

	g, err := Lower(def)
	require.NoError(t, err)

	a := g.States["pub"].Action
	assert.Equal(t, "done", a.Done)
	assert.Equal(t, "failed", a.Failed)
}

func TestLower_CollisionWithSynthesizedID(t *testing.T) {
	def := &Definition{
		ID:    "wf",
		Start: "approve",
		States: []StateDef{
			{ID: "approve", Ask: &AskDef{Prompt: "ok?", Transitions: Transitions{Done: "done"}}},
			{ID: "approve__feedback", End: &EndDef{Status: ir.TerminalDone}},
			endDone(),
		},
	}

	_, err := Lower(def)
	require.Error(t, err)

	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Message, "approve__feedback")
	assert.Contains(t, ce.Message, "collides")
}

func TestLower_RequiresExactlyOnePrimitive(t *testing.T) {
	def := &Definition{
		ID:    "wf",
		Start: "x",
		States: []StateDef{{
			ID:   "x",
			Step: &StepDef{Run: "work", Transitions: Transitions{Done: "x"}},
			End:  &EndDef{Status: ir.TerminalDone},
		}},
	}

	_, err := Lower(def)
	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "states.x", ce.Field)
}

func TestCompile_ResolvesCapabilities(t *testing.T) {
	def := &Definition{
		ID:    "wf",
		Start: "work",
		States: []StateDef{
			{ID: "work", Step: &StepDef{Run: "work", Transitions: Transitions{Done: "decide"}}},
			{ID: "decide", Route: &RouteDef{Selector: "pick", Transitions: map[string]string{"approve": "pub"}}},
			{ID: "pub", Publish: &PublishDef{Render: "page"}},
			endDone(),
			endFailed(),
		},
	}

	vg, err := Compile(def, testRegistry())
	require.NoError(t, err)
	assert.Len(t, vg.Hash, 64)

	_, ok := vg.HandlerFor("work")
	assert.True(t, ok)
	_, ok = vg.SelectorFor("decide")
	assert.True(t, ok)
	_, ok = vg.RouterFor("decide")
	assert.True(t, ok)
	_, ok = vg.HandlerFor("pub")
	assert.True(t, ok)
}

func TestCompile_UnregisteredCapabilities(t *testing.T) {
	def := &Definition{
		ID:    "wf",
		Start: "work",
		States: []StateDef{
			{ID: "work", Step: &StepDef{Run: "missing", Transitions: Transitions{Done: "decide"}}},
			{ID: "decide", Route: &RouteDef{Selector: "nobody", Transitions: map[string]string{"approve": "done"}}},
			endDone(),
		},
	}

	_, err := Compile(def, testRegistry())
	require.Error(t, err)

	var ige *InvalidGraphError
	require.ErrorAs(t, err, &ige)
	assert.Equal(t, []string{ErrUnknownCapability, ErrUnknownCapability}, codes(ige.Violations))
}

func TestCompile_InvalidGraphIsRejected(t *testing.T) {
	def := &Definition{
		ID:    "wf",
		Start: "work",
		States: []StateDef{
			{ID: "work", Step: &StepDef{Run: "work", Transitions: Transitions{Done: "ghost"}}},
		},
	}

	_, err := Compile(def, testRegistry())
	var ige *InvalidGraphError
	require.ErrorAs(t, err, &ige)
	assert.Equal(t, "wf", ige.GraphID)
	assert.Equal(t, []string{ErrDanglingTarget}, codes(ige.Violations))
}

func TestCompile_DefinitionGuardShadowsRegistry(t *testing.T) {
	reg := testRegistry()
	reg.RegisterGuard("ready", func(ctx map[string]any, iteration int) bool { return false })

	def := &Definition{
		ID:     "wf",
		Start:  "again",
		Guards: map[string]ir.InlineGuard{"ready": {Key: "ok"}},
		States: []StateDef{
			{ID: "body", Step: &StepDef{Run: "work", Transitions: Transitions{Done: "again"}}},
			{ID: "again", Loop: &LoopDef{
				Body: "body", MaxIterations: 2, Until: &UntilDef{Name: "ready"},
				Transitions: LoopTransitions{Done: "done", Exhausted: "done"},
			}},
			endDone(),
		},
	}

	vg, err := Compile(def, reg)
	require.NoError(t, err)

	guard, ok := vg.GuardFor("again")
	require.True(t, ok)
	assert.True(t, guard(map[string]any{"ok": true}, 0))
	assert.False(t, guard(map[string]any{}, 0))
}

func TestCompile_GraphHashStable(t *testing.T) {
	build := func() *Definition {
		return &Definition{
			ID:      "wf",
			Start:   "work",
			Context: map[string]any{"n": float64(1)},
			States: []StateDef{
				{ID: "work", Step: &StepDef{Run: "work", Transitions: Transitions{Done: "done"}}},
				endDone(),
			},
		}
	}

	a, err := Compile(build(), testRegistry())
	require.NoError(t, err)
	b, err := Compile(build(), testRegistry())
	require.NoError(t, err)
	assert.Equal(t, a.Hash, b.Hash)
}

func TestAskHandler_NoReplyPausesWithPrompt(t *testing.T) {
	h, err := newAskHandler("approve", &AskDef{Prompt: "Approve {{.title}}?"}, nil)
	require.NoError(t, err)

	res, err := h.Handle(context.Background(), ir.HandlerInput{Context: map[string]any{"title": "launch"}})
	require.NoError(t, err)
	assert.Equal(t, ir.StatusFeedback, res.Status)
	assert.Equal(t, "Approve launch?", res.Message)
	assert.Contains(t, res.Data, ir.ReplyKey)
	assert.Nil(t, res.Data[ir.ReplyKey])
}

func TestAskHandler_ExplicitReplyWins(t *testing.T) {
	var seen string
	parse := func(reply string, in ir.HandlerInput) (ir.HandlerResult, error) {
		seen = reply
		return ir.HandlerResult{Status: ir.StatusDone, Data: map[string]any{"approved": reply == "yes"}}, nil
	}
	h, err := newAskHandler("approve", &AskDef{Prompt: "ok?"}, parse)
	require.NoError(t, err)

	reply := "yes"
	res, err := h.Handle(context.Background(), ir.HandlerInput{
		Context: map[string]any{ir.ReplyKey: "stale"},
		Reply:   &reply,
	})
	require.NoError(t, err)
	assert.Equal(t, "yes", seen)
	assert.Equal(t, ir.StatusDone, res.Status)
	assert.Equal(t, true, res.Data["approved"])
	assert.Contains(t, res.Data, ir.ReplyKey)
	assert.Nil(t, res.Data[ir.ReplyKey])
}

func TestAskHandler_DefaultParserStoresReply(t *testing.T) {
	h, err := newAskHandler("approve", &AskDef{Prompt: "ok?", Into: "answer"}, nil)
	require.NoError(t, err)

	res, err := h.Handle(context.Background(), ir.HandlerInput{Context: map[string]any{ir.ReplyKey: "ship it"}})
	require.NoError(t, err)
	assert.Equal(t, ir.StatusDone, res.Status)
	assert.Equal(t, "ship it", res.Data["answer"])
	assert.Nil(t, res.Data[ir.ReplyKey])
}

func TestAskHandler_ParserError(t *testing.T) {
	boom := errors.New("boom")
	h, err := newAskHandler("approve", &AskDef{Prompt: "ok?"}, func(string, ir.HandlerInput) (ir.HandlerResult, error) {
		return ir.HandlerResult{}, boom
	})
	require.NoError(t, err)

	reply := "x"
	res, err := h.Handle(context.Background(), ir.HandlerInput{Context: map[string]any{}, Reply: &reply})
	require.NoError(t, err)
	assert.Equal(t, ir.StatusFailed, res.Status)
	assert.Equal(t, "parse reply: boom", res.Message)
	require.Contains(t, res.Data, ir.ReplyKey)
	assert.Nil(t, res.Data[ir.ReplyKey], "unparseable reply is still cleared")

	res, err = h.Handle(context.Background(), ir.HandlerInput{Context: map[string]any{ir.ReplyKey: "x"}})
	require.NoError(t, err)
	assert.Equal(t, ir.StatusFailed, res.Status)
	assert.Contains(t, res.Data, ir.ReplyKey)
}

func TestNewAskHandler_BadTemplate(t *testing.T) {
	_, err := newAskHandler("approve", &AskDef{Prompt: "{{.broken"}, nil)
	assert.Error(t, err)
}

func TestPublishHandler(t *testing.T) {
	h := publishHandler{render: func(ctx map[string]any) (any, error) {
		return "page for " + ctx["title"].(string), nil
	}}
	res, err := h.Handle(context.Background(), ir.HandlerInput{Context: map[string]any{"title": "t"}})
	require.NoError(t, err)
	assert.Equal(t, ir.StatusDone, res.Status)
	assert.Equal(t, "page for t", res.Data["page"])

	failing := publishHandler{render: func(map[string]any) (any, error) { return nil, errors.New("no template") }}
	res, err = failing.Handle(context.Background(), ir.HandlerInput{Context: map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, ir.StatusDone, res.Status)
	assert.Equal(t, "render page: no template", res.Message)
	assert.Contains(t, res.Data, "page")
	assert.Nil(t, res.Data["page"])
}

func TestRouter_Resolve(t *testing.T) {
	r := newRouter(map[string]string{"approve": "a", "otherwise": "f"})

	event, unmapped := r.Resolve("approve")
	assert.Equal(t, "approve", event)
	assert.False(t, unmapped)

	event, unmapped = r.Resolve("maybe")
	assert.Equal(t, ir.EventOtherwise, event)
	assert.True(t, unmapped)

	event, unmapped = r.Resolve(ir.EventOtherwise)
	assert.Equal(t, ir.EventOtherwise, event)
	assert.False(t, unmapped)

	strict := newRouter(map[string]string{"approve": "a"})
	event, unmapped = strict.Resolve("maybe")
	assert.Equal(t, "maybe", event)
	assert.False(t, unmapped)
}

func TestInlineGuard(t *testing.T) {
	truthyGuard := inlineGuard(ir.InlineGuard{Key: "ready"})
	assert.True(t, truthyGuard(map[string]any{"ready": true}, 0))
	assert.True(t, truthyGuard(map[string]any{"ready": "yes"}, 0))
	assert.False(t, truthyGuard(map[string]any{"ready": false}, 0))
	assert.False(t, truthyGuard(map[string]any{}, 0))

	eq := inlineGuard(ir.InlineGuard{Key: "score", Equals: float64(3)})
	assert.True(t, eq(map[string]any{"score": 3}, 0))
	assert.True(t, eq(map[string]any{"score": float64(3)}, 0))
	assert.False(t, eq(map[string]any{"score": "3"}, 0))
}
