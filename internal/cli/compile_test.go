package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/compiler"
)

func TestCompile_WritesGraphs(t *testing.T) {
	ws := newWorkspace(t)
	outDir := filepath.Join(ws.dir, "out")

	out, err := ws.run(t, "--format", "json", "compile", "-o", outDir)
	require.NoError(t, err)

	var result CompileResult
	decode(t, out, &result)
	assert.Equal(t, "1", result.IRVersion)
	require.Len(t, result.Factories, 1)
	c := result.Factories[0]
	assert.Equal(t, "review", c.ID)
	assert.Equal(t, "draft", c.Start)
	assert.Len(t, c.Hash, 64)
	assert.Equal(t, filepath.Join(outDir, "review.json"), c.Path)
	// ask adds a synthesized feedback state
	assert.Equal(t, 6, c.States)

	data, err := os.ReadFile(c.Path)
	require.NoError(t, err)
	var graph map[string]any
	require.NoError(t, json.Unmarshal(data, &graph))
	assert.Equal(t, "review", graph["id"])
	states, ok := graph["states"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, states, "approve"+compiler.FeedbackSuffix)
}

func TestCompile_Text(t *testing.T) {
	ws := newWorkspace(t)

	out, err := ws.run(t, "compile")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ review: 6 states, start draft, hash ")
}

func TestCompile_UnknownCapability(t *testing.T) {
	ws := newWorkspace(t)
	ws.writeDef(t, "other.cue", `package factories

factory: other: {
	start: "work"
	states: {
		work: step: {run: "not-registered", transitions: {done: "done", failed: "done"}}
		done: end: status: "done"
	}
}
`)

	out, err := ws.run(t, "--format", "json", "compile")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var result CompileResult
	decode(t, out, &result)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, compiler.ErrUnknownCapability, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, "not-registered")
}
