package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/ir"
)

// Scenario drives one task through a factory definition.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Definition is the path of the CUE file declaring the factory.
	// Relative paths resolve against the scenario file's directory.
	Definition string `yaml:"definition"`

	// Factory selects one factory when the file declares several.
	Factory string `yaml:"factory,omitempty"`

	// Task describes the task entering the factory. ID defaults to "task-1".
	Task TaskStep `yaml:"task,omitempty"`

	// Budget overrides the engine's per-tick transition budget.
	Budget int `yaml:"budget,omitempty"`

	// Handlers scripts each named handler's results, in call order.
	Handlers map[string][]ScriptedResult `yaml:"handlers,omitempty"`

	// Selectors scripts each named selector's events, in call order.
	Selectors map[string][]string `yaml:"selectors,omitempty"`

	// Renderers maps a renderer name to the context keys it publishes.
	Renderers map[string][]string `yaml:"renderers,omitempty"`

	// Ticks lists the engine calls to make. Empty means a single plain tick.
	Ticks []TickStep `yaml:"ticks,omitempty"`

	// Assertions validate the final ledger and task state.
	Assertions []Assertion `yaml:"assertions"`
}

// TaskStep is the task that enters the factory.
type TaskStep struct {
	ID      string `yaml:"id,omitempty"`
	Title   string `yaml:"title,omitempty"`
	Prompt  string `yaml:"prompt,omitempty"`
	Context string `yaml:"context,omitempty"`
}

// TickStep is one engine call.
type TickStep struct {
	// Reply is posted to the task's reply inbox before the tick.
	Reply *string `yaml:"reply,omitempty"`
}

// ScriptedResult is one scripted handler outcome.
// Error makes the handler return a Go error instead of a result.
type ScriptedResult struct {
	Status  ir.Status      `yaml:"status,omitempty"`
	Data    map[string]any `yaml:"data,omitempty"`
	Message string         `yaml:"message,omitempty"`
	Route   string         `yaml:"route,omitempty"`
	Error   string         `yaml:"error,omitempty"`
}

// Assertion types.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertReplay        = "replay"
	AssertBackoff       = "backoff"
)

// Assertion validates the ledger or final task state.
type Assertion struct {
	Type string `yaml:"type"`

	// From, To, Event and Reason filter events (trace_contains, trace_count).
	From   string        `yaml:"from,omitempty"`
	To     string        `yaml:"to,omitempty"`
	Event  string        `yaml:"event,omitempty"`
	Reason ir.ReasonCode `yaml:"reason,omitempty"`

	// Attempt and Iteration additionally filter trace_contains when set.
	Attempt   int `yaml:"attempt,omitempty"`
	Iteration int `yaml:"iteration,omitempty"`

	// States is the expected order of entered states (trace_order).
	States []string `yaml:"states,omitempty"`

	// Count is the expected number of matching events (trace_count).
	Count int `yaml:"count,omitempty"`

	// Lifecycle, State, Context and LastError describe the final task (final_state).
	// Context is a subset match.
	Lifecycle ir.Lifecycle   `yaml:"lifecycle,omitempty"`
	State     string         `yaml:"state,omitempty"`
	Context   map[string]any `yaml:"context,omitempty"`
	LastError *string        `yaml:"last_error,omitempty"`

	// SleepsMs are the expected backoff waits in milliseconds (backoff).
	SleepsMs []int64 `yaml:"sleeps_ms,omitempty"`
}

// LoadScenario reads and parses a scenario YAML file.
// The definition path is resolved relative to the scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	if !filepath.IsAbs(scenario.Definition) {
		scenario.Definition = filepath.Join(filepath.Dir(path), scenario.Definition)
	}
	if _, err := os.Stat(scenario.Definition); err != nil {
		return nil, fmt.Errorf("invalid scenario: definition file not found: %s", scenario.Definition)
	}
	return scenario, nil
}

// ParseScenario parses scenario YAML without touching the filesystem.
func ParseScenario(data []byte) (*Scenario, error) {
	// Parse YAML with strict field validation (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Definition == "" {
		return fmt.Errorf("definition is required")
	}
	if s.Budget < 0 {
		return fmt.Errorf("budget must be non-negative")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for name, script := range s.Handlers {
		if len(script) == 0 {
			return fmt.Errorf("handlers.%s: script must be non-empty", name)
		}
		for i, res := range script {
			if res.Error == "" && res.Status == "" {
				return fmt.Errorf("handlers.%s[%d]: status or error is required", name, i)
			}
		}
	}
	for name, script := range s.Selectors {
		if len(script) == 0 {
			return fmt.Errorf("selectors.%s: script must be non-empty", name)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.From == "" && a.To == "" && a.Event == "" && a.Reason == "" {
			return fmt.Errorf("assertions[%d]: trace_contains needs at least one of from, to, event, reason", index)
		}
	case AssertTraceOrder:
		if len(a.States) == 0 {
			return fmt.Errorf("assertions[%d]: states list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Reason == "" && a.Event == "" && a.From == "" && a.To == "" {
			return fmt.Errorf("assertions[%d]: trace_count needs a filter", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Lifecycle == "" && a.State == "" && a.Context == nil && a.LastError == nil {
			return fmt.Errorf("assertions[%d]: final_state needs lifecycle, state, context or last_error", index)
		}
	case AssertReplay:
	case AssertBackoff:
		if a.SleepsMs == nil {
			return fmt.Errorf("assertions[%d]: sleeps_ms is required for backoff (use [] for none)", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
