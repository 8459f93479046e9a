package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/compiler"
	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/engine"
	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/ir"
	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/metrics"
	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/notify"
	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/runner"
	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/store"
)

// Epoch is the fixed wall-clock start of every scenario.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// DefaultTaskID is used when a scenario does not name its task.
const DefaultTaskID = "task-1"

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
// Execution flow:
//  1. Parse and compile the definition against scripted capabilities
//  2. Enqueue the task
//  3. Tick it once per scenario tick, posting replies first
//  4. Evaluate assertions against the ledger and final task
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()

	vg, err := compileScenario(scenario)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(":memory:", store.WithNow(func() time.Time { return Epoch }))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	catalog := runner.NewCatalog()
	if err := catalog.Add(vg); err != nil {
		return nil, err
	}

	taskID := scenario.Task.ID
	if taskID == "" {
		taskID = DefaultTaskID
	}
	task := engine.NewTask(taskID, vg.Graph, ir.TaskMeta{
		Title:   scenario.Task.Title,
		Prompt:  scenario.Task.Prompt,
		Context: scenario.Task.Context,
	})
	task.GraphHash = vg.Hash
	if err := st.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	clock := engine.NewFakeClock(Epoch)
	engineOpts := []engine.EngineOption{
		engine.WithClock(clock),
		engine.WithIDGenerators(engine.NewSequenceGenerator("run"), engine.NewSequenceGenerator("tick")),
	}
	if scenario.Budget > 0 {
		engineOpts = append(engineOpts, engine.WithBudget(scenario.Budget))
	}
	r := runner.New(st, catalog,
		runner.WithNow(clock.Now),
		runner.WithNotifier(notify.Discard),
		runner.WithMetrics(metrics.NewMetrics()),
		runner.WithLease(engine.LeaseStrict, time.Minute, "harness"),
		runner.WithEngineOptions(engineOpts...),
	)

	ticks := scenario.Ticks
	if len(ticks) == 0 {
		ticks = []TickStep{{}}
	}

	result := NewResult()
	for i, tick := range ticks {
		if tick.Reply != nil {
			if _, err := st.AddReply(ctx, taskID, *tick.Reply, clock.Now()); err != nil {
				return nil, fmt.Errorf("tick %d: post reply: %w", i+1, err)
			}
		}
		res, err := r.Tick(ctx, taskID)
		if res == nil {
			return nil, fmt.Errorf("tick %d: %w", i+1, err)
		}
		if res.Outcome != nil {
			for _, ev := range res.Outcome.Events {
				result.AddEvent(ev, i+1)
			}
		}
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		result.TickErrors = append(result.TickErrors, msg)
	}

	if result.Task, err = st.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	stored, err := st.Events(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(stored) != len(result.Events) {
		result.AddError(fmt.Sprintf("ledger holds %d events, ticks reported %d", len(stored), len(result.Events)))
	}
	result.Events = stored
	result.Sleeps = clock.Sleeps()

	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(errMsg)
	}
	return result, nil
}

// RunFile loads and runs a scenario file.
func RunFile(path string) (*Scenario, *Result, error) {
	scenario, err := LoadScenario(path)
	if err != nil {
		return nil, nil, err
	}
	result, err := Run(scenario)
	return scenario, result, err
}

func compileScenario(s *Scenario) (*compiler.ValidGraph, error) {
	src, err := os.ReadFile(s.Definition)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition: %w", err)
	}
	defs, err := compiler.ParseSource(s.Definition, src)
	if err != nil {
		return nil, fmt.Errorf("failed to parse definition: %w", err)
	}
	def, err := pickFactory(defs, s.Factory)
	if err != nil {
		return nil, err
	}
	vg, err := compiler.Compile(def, scriptedRegistry(s))
	if err != nil {
		return nil, fmt.Errorf("failed to compile factory %s: %w", def.ID, err)
	}
	return vg, nil
}

func pickFactory(defs []*compiler.Definition, id string) (*compiler.Definition, error) {
	if id == "" {
		if len(defs) != 1 {
			return nil, fmt.Errorf("definition declares %d factories; set factory", len(defs))
		}
		return defs[0], nil
	}
	for _, def := range defs {
		if def.ID == id {
			return def, nil
		}
	}
	return nil, fmt.Errorf("factory %q not found in definition", id)
}

// scriptedRegistry binds every scripted capability by name.
func scriptedRegistry(s *Scenario) *compiler.Registry {
	reg := compiler.NewRegistry()
	for name, script := range s.Handlers {
		reg.RegisterHandler(name, &scriptedHandler{script: script})
	}
	for name, script := range s.Selectors {
		reg.RegisterSelector(name, &scriptedSelector{script: script})
	}
	for name, keys := range s.Renderers {
		keys := keys
		reg.RegisterRenderer(name, func(ctx map[string]any) (any, error) {
			page := make(map[string]any, len(keys))
			for _, k := range keys {
				v, ok := ctx[k]
				if !ok {
					return nil, fmt.Errorf("render: context has no %q", k)
				}
				page[k] = v
			}
			return page, nil
		})
	}
	return reg
}

// scriptedHandler replays a fixed result sequence; the last entry repeats.
type scriptedHandler struct {
	mu     sync.Mutex
	script []ScriptedResult
	calls  int
}

func (h *scriptedHandler) Handle(_ context.Context, _ ir.HandlerInput) (ir.HandlerResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	step := h.script[min(h.calls, len(h.script)-1)]
	h.calls++
	if step.Error != "" {
		return ir.HandlerResult{}, errors.New(step.Error)
	}
	return ir.HandlerResult{
		Status:  step.Status,
		Data:    ir.CloneMap(step.Data),
		Message: step.Message,
		Route:   step.Route,
	}, nil
}

type scriptedSelector struct {
	mu     sync.Mutex
	script []string
	calls  int
}

func (s *scriptedSelector) Select(_ context.Context, _ ir.HandlerInput) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event := s.script[min(s.calls, len(s.script)-1)]
	s.calls++
	return event, nil
}
