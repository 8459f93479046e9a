package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/ir"
)

func TestParseScenario(t *testing.T) {
	yaml := `
name: retry
description: flaky writer
definition: ../factories/review.cue
budget: 4
task:
  title: Launch
handlers:
  write:
    - error: rate limited
    - status: done
      data: {draft: v1}
selectors:
  pick: [approve]
renderers:
  page: [draft]
ticks:
  - {}
  - reply: looks good
assertions:
  - type: trace_contains
    from: draft
    reason: attempt_failed
    attempt: 1
  - type: backoff
    sleeps_ms: [100]
  - type: final_state
    lifecycle: done
    context:
      draft: v1
`
	s, err := ParseScenario([]byte(yaml))
	require.NoError(t, err)
	assert.Equal(t, "retry", s.Name)
	assert.Equal(t, 4, s.Budget)
	assert.Equal(t, "Launch", s.Task.Title)
	require.Len(t, s.Handlers["write"], 2)
	assert.Equal(t, "rate limited", s.Handlers["write"][0].Error)
	assert.Equal(t, ir.StatusDone, s.Handlers["write"][1].Status)
	assert.Equal(t, "v1", s.Handlers["write"][1].Data["draft"])
	require.Len(t, s.Ticks, 2)
	assert.Nil(t, s.Ticks[0].Reply)
	require.NotNil(t, s.Ticks[1].Reply)
	assert.Equal(t, "looks good", *s.Ticks[1].Reply)
	assert.Equal(t, ir.ReasonAttemptFailed, s.Assertions[0].Reason)
	assert.Equal(t, []int64{100}, s.Assertions[1].SleepsMs)
	assert.Equal(t, ir.LifecycleDone, s.Assertions[2].Lifecycle)
}

func TestParseScenario_Invalid(t *testing.T) {
	base := "name: x\ndescription: d\ndefinition: f.cue\n"
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing name", "description: d\ndefinition: f.cue\nassertions: [{type: replay}]\n", "name is required"},
		{"missing description", "name: x\ndefinition: f.cue\nassertions: [{type: replay}]\n", "description is required"},
		{"missing definition", "name: x\ndescription: d\nassertions: [{type: replay}]\n", "definition is required"},
		{"no assertions", base, "assertions list is required"},
		{"negative budget", base + "budget: -1\nassertions: [{type: replay}]\n", "budget must be non-negative"},
		{"unknown field", base + "assertion: [{type: replay}]\n", "field assertion not found"},
		{"empty handler script", base + "handlers: {write: []}\nassertions: [{type: replay}]\n", "handlers.write"},
		{"handler without status", base + "handlers: {write: [{message: hi}]}\nassertions: [{type: replay}]\n", "status or error is required"},
		{"unknown assertion", base + "assertions: [{type: eventually}]\n", `unknown assertion type "eventually"`},
		{"missing assertion type", base + "assertions: [{to: done}]\n", "type is required"},
		{"trace_contains without filter", base + "assertions: [{type: trace_contains}]\n", "needs at least one of"},
		{"trace_order without states", base + "assertions: [{type: trace_order}]\n", "states list is required"},
		{"final_state without fields", base + "assertions: [{type: final_state}]\n", "final_state needs"},
		{"backoff without sleeps", base + "assertions: [{type: backoff}]\n", "sleeps_ms is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseScenario_EmptyBackoffAllowed(t *testing.T) {
	yaml := "name: x\ndescription: d\ndefinition: f.cue\nassertions: [{type: backoff, sleeps_ms: []}]\n"
	s, err := ParseScenario([]byte(yaml))
	require.NoError(t, err)
	assert.NotNil(t, s.Assertions[0].SleepsMs)
	assert.Empty(t, s.Assertions[0].SleepsMs)
}

func TestLoadScenario_ResolvesDefinition(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/review_approve.yaml")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("testdata", "factories", "review.cue"), s.Definition)
}

func TestLoadScenario_MissingDefinition(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.yaml")
	yaml := "name: x\ndescription: d\ndefinition: nowhere.cue\nassertions: [{type: replay}]\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "definition file not found")
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
