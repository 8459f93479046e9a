package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// workspace is a temp directory holding a database path, a definitions
// dir with one factory and the agent scripts it runs.
type workspace struct {
	dir  string
	db   string
	defs string
}

const reviewFactory = `package factories

factory: review: {
	start: "draft"
	states: {
		draft: step: {run: "exec:AGENT", transitions: {done: "approve", failed: "failed"}}
		approve: ask: {
			prompt: "Approve {{.draft}}?"
			into:   "answer"
			transitions: {done: "post", failed: "failed"}
		}
		post: publish: render: "context"
		done: end: status:   "done"
		failed: end: status: "failed"
	}
}
`

func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	dir := t.TempDir()
	ws := &workspace{
		dir:  dir,
		db:   filepath.Join(dir, "factory.db"),
		defs: filepath.Join(dir, "factories"),
	}
	require.NoError(t, os.MkdirAll(ws.defs, 0o755))

	agent := filepath.Join(dir, "draft.sh")
	script := "#!/bin/sh\ncat >/dev/null\necho '{\"status\":\"done\",\"data\":{\"draft\":\"v1\"}}'\n"
	require.NoError(t, os.WriteFile(agent, []byte(script), 0o755))

	ws.writeDef(t, "review.cue", strings.ReplaceAll(reviewFactory, "AGENT", agent))
	return ws
}

func (ws *workspace) writeDef(t *testing.T, name, src string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(ws.defs, name), []byte(src), 0o644))
}

// run executes the root command with the workspace's --db and --definitions.
func (ws *workspace) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	full := append([]string{"--db", ws.db, "--definitions", ws.defs}, args...)
	return execute(t, context.Background(), full...)
}

func execute(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

// decode parses a JSON CLI response, re-decoding Data into data when non-nil.
func decode(t *testing.T, out string, data any) CLIResponse {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	if data != nil {
		raw, err := json.Marshal(resp.Data)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, data))
	}
	return resp
}
