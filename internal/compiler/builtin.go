package compiler

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"text/template"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/ir"
)

// askHandler is the synthesized handler behind an ask primitive.
// A reply is consumed at most once: every result it returns deletes the
// reserved reply key from the context.
type askHandler struct {
	prompt *template.Template
	parse  Parser
	into   string
}

func newAskHandler(stateID string, def *AskDef, parse Parser) (*askHandler, error) {
	tmpl, err := template.New(stateID).Option("missingkey=zero").Parse(def.Prompt)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	return &askHandler{prompt: tmpl, parse: parse, into: def.Into}, nil
}

func (h *askHandler) Handle(_ context.Context, in ir.HandlerInput) (ir.HandlerResult, error) {
	reply, ok := ReplyFrom(in)
	if !ok {
		var b strings.Builder
		if err := h.prompt.Execute(&b, in.Context); err != nil {
			return ir.HandlerResult{}, fmt.Errorf("render prompt: %w", err)
		}
		return ir.HandlerResult{
			Status:  ir.StatusFeedback,
			Message: b.String(),
			Data:    map[string]any{ir.ReplyKey: nil},
		}, nil
	}

	var res ir.HandlerResult
	if h.parse != nil {
		parsed, err := h.parse(reply, in)
		if err != nil {
			// The reply is spent even when it cannot be parsed.
			return ir.HandlerResult{
				Status:  ir.StatusFailed,
				Message: fmt.Sprintf("parse reply: %v", err),
				Data:    map[string]any{ir.ReplyKey: nil},
			}, nil
		}
		res = parsed
	} else {
		res = ir.HandlerResult{Status: ir.StatusDone}
		if h.into != "" {
			res.Data = map[string]any{h.into: reply}
		}
	}

	if res.Data == nil {
		res.Data = make(map[string]any, 1)
	}
	res.Data[ir.ReplyKey] = nil
	return res, nil
}

// ReplyFrom returns the feedback reply visible to a handler.
// The explicit per-tick reply wins over the reserved context key.
func ReplyFrom(in ir.HandlerInput) (string, bool) {
	if in.Reply != nil {
		return *in.Reply, true
	}
	v, ok := in.Context[ir.ReplyKey]
	if !ok || v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprint(v), true
}

// publishHandler renders a page from the context and always completes.
// A render error publishes no page and is reported in the message.
type publishHandler struct {
	render Renderer
}

func (h publishHandler) Handle(_ context.Context, in ir.HandlerInput) (ir.HandlerResult, error) {
	page, err := h.render(ir.CloneMap(in.Context))
	if err != nil {
		slog.Warn("publish render failed", "task_id", in.Task.ID, "state", in.StateID, "error", err)
		return ir.HandlerResult{
			Status:  ir.StatusDone,
			Message: fmt.Sprintf("render page: %v", err),
			Data:    map[string]any{"page": nil},
		}, nil
	}
	return ir.HandlerResult{
		Status: ir.StatusDone,
		Data:   map[string]any{"page": page},
	}, nil
}

// Router normalises orchestrate outcomes against the transition map.
// Unknown events map to the catch-all when one exists.
type Router struct {
	known map[string]bool
}

func newRouter(transitions map[string]string) *Router {
	known := make(map[string]bool, len(transitions))
	for event := range transitions {
		known[event] = true
	}
	return &Router{known: known}
}

// Resolve maps a selected event to the routing event.
// unmapped is true when selected was replaced by the catch-all.
func (r *Router) Resolve(selected string) (event string, unmapped bool) {
	if selected != ir.EventOtherwise && r.known[selected] {
		return selected, false
	}
	if r.known[ir.EventOtherwise] {
		return ir.EventOtherwise, selected != ir.EventOtherwise
	}
	return selected, false
}

// inlineGuard builds a Guard from a {key, equals?} check.
func inlineGuard(g ir.InlineGuard) Guard {
	return func(ctx map[string]any, _ int) bool {
		v, ok := ctx[g.Key]
		if !ok {
			return false
		}
		if g.Equals == nil {
			return truthy(v)
		}
		return looseEqual(v, g.Equals)
	}
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	case int:
		return x != 0
	case int64:
		return x != 0
	}
	return true
}

// looseEqual compares JSON-ish values, treating all numeric kinds as float64.
func looseEqual(a, b any) bool {
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	}
	return 0, false
}
