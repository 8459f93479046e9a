package harness

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/ledger"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  %s\n", event)
		}
	}
	return buf.String()
}

// EvaluateAssertions runs every assertion and returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %s", i, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		return assertTraceContains(result.Trace, a)
	case AssertTraceOrder:
		return assertTraceOrder(result.Trace, a)
	case AssertTraceCount:
		return assertTraceCount(result.Trace, a)
	case AssertFinalState:
		return assertFinalState(result, a)
	case AssertReplay:
		return assertReplay(result)
	case AssertBackoff:
		return assertBackoff(result, a)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

// matches reports whether ev satisfies every filter set on a.
func matches(ev TraceEvent, a Assertion) bool {
	switch {
	case a.From != "" && ev.From != a.From:
		return false
	case a.To != "" && ev.To != a.To:
		return false
	case a.Event != "" && ev.Event != a.Event:
		return false
	case a.Reason != "" && ev.Reason != a.Reason:
		return false
	case a.Attempt != 0 && ev.Attempt != a.Attempt:
		return false
	case a.Iteration != 0 && ev.Iteration != a.Iteration:
		return false
	}
	return true
}

func describe(a Assertion) string {
	var parts []string
	add := func(k, v string) {
		if v != "" {
			parts = append(parts, k+"="+v)
		}
	}
	add("from", a.From)
	add("to", a.To)
	add("event", a.Event)
	add("reason", string(a.Reason))
	if a.Attempt != 0 {
		add("attempt", fmt.Sprint(a.Attempt))
	}
	if a.Iteration != 0 {
		add("iteration", fmt.Sprint(a.Iteration))
	}
	return strings.Join(parts, " ")
}

// assertTraceContains checks that some event matches every given field.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if matches(ev, a) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: "event with " + describe(a),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the listed states are entered in order.
// States need not be consecutive.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	next := 0
	for _, ev := range trace {
		if next < len(a.States) && ev.To == a.States[next] {
			next++
		}
	}
	if next == len(a.States) {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: fmt.Sprintf("states entered in order: %v", a.States),
		Actual:   fmt.Sprintf("missing %q after %v", a.States[next], a.States[:next]),
		Trace:    trace,
	}
}

// assertTraceCount checks that exactly Count events match the filter.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if matches(ev, a) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d events with %s", a.Count, describe(a)),
			Actual:   fmt.Sprintf("%d events", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState checks the persisted task after the last tick.
// Context values are compared after a JSON round trip, so YAML integers
// match stored float64 numbers.
func assertFinalState(result *Result, a Assertion) error {
	task := result.Task
	fail := func(expected, actual string) error {
		return &AssertionError{Type: AssertFinalState, Expected: expected, Actual: actual, Trace: result.Trace}
	}
	if task == nil {
		return fail("a persisted task", "no task")
	}
	if a.Lifecycle != "" && task.Lifecycle != a.Lifecycle {
		return fail("lifecycle "+string(a.Lifecycle), "lifecycle "+string(task.Lifecycle))
	}
	if a.State != "" && task.CurrentStateID != a.State {
		return fail("state "+a.State, "state "+task.CurrentStateID)
	}
	if a.LastError != nil && task.Bookkeeping.LastError != *a.LastError {
		return fail(fmt.Sprintf("last error %q", *a.LastError), fmt.Sprintf("last error %q", task.Bookkeeping.LastError))
	}

	keys := make([]string, 0, len(a.Context))
	for k := range a.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		want := a.Context[k]
		got, ok := task.Context[k]
		if want == nil {
			if ok {
				return fail(fmt.Sprintf("context.%s absent", k), fmt.Sprintf("context.%s = %v", k, got))
			}
			continue
		}
		if !ok {
			return fail(fmt.Sprintf("context.%s = %v", k, want), fmt.Sprintf("context.%s missing", k))
		}
		if !jsonEqual(want, got) {
			return fail(fmt.Sprintf("context.%s = %v", k, want), fmt.Sprintf("context.%s = %v", k, got))
		}
	}
	return nil
}

// assertReplay checks that the ledger reconstructs the persisted task.
func assertReplay(result *Result) error {
	if err := ledger.Verify(result.Task, result.Events); err != nil {
		return &AssertionError{
			Type:     AssertReplay,
			Expected: "ledger replays to the persisted task",
			Actual:   err.Error(),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertBackoff(result *Result, a Assertion) error {
	want := make([]time.Duration, len(a.SleepsMs))
	for i, ms := range a.SleepsMs {
		want[i] = time.Duration(ms) * time.Millisecond
	}
	got := result.Sleeps
	if got == nil {
		got = []time.Duration{}
	}
	if !reflect.DeepEqual(want, got) {
		return &AssertionError{
			Type:     AssertBackoff,
			Expected: fmt.Sprintf("sleeps %v", want),
			Actual:   fmt.Sprintf("sleeps %v", got),
		}
	}
	return nil
}

func jsonEqual(a, b any) bool {
	na, errA := normalize(a)
	nb, errB := normalize(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return reflect.DeepEqual(na, nb)
}

func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	err = json.Unmarshal(data, &out)
	return out, err
}
