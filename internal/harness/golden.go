package harness

import (
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// FormatTrace renders a result as the golden text: a header, one line per
// ledger event and the final task position.
func FormatTrace(name string, result *Result) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario %s\n", name)
	for _, ev := range result.Trace {
		fmt.Fprintf(&b, "%s\n", ev)
	}
	for i, msg := range result.TickErrors {
		if msg != "" {
			fmt.Fprintf(&b, "error t%d %s\n", i+1, msg)
		}
	}
	if result.Task != nil {
		fmt.Fprintf(&b, "final %s at %s\n", result.Task.Lifecycle, result.Task.CurrentStateID)
	}
	return []byte(b.String())
}

// RunWithGolden executes a scenario and compares its trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails; assertion failures and golden
// mismatches fail t.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	for _, msg := range result.Errors {
		t.Error(msg)
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, FormatTrace(scenarioName, result))
}
