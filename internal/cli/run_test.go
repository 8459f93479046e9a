package cli

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/config"
	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/ir"
	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/metrics"
	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/notify"
	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/store"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func TestRunCommand_AdvancesTasks(t *testing.T) {
	ws := newWorkspace(t)
	_, err := ws.run(t, "enqueue", "review", "--id", "task-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, err := execute(t, ctx, "--db", ws.db, "--definitions", ws.defs, "run", "--interval", "10ms")
	require.NoError(t, err)
	assert.Contains(t, out, "Runner started.")

	st, err := store.Open(ws.db)
	require.NoError(t, err)
	defer st.Close()
	task, err := st.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, ir.LifecycleFeedback, task.Lifecycle)
	assert.Equal(t, "approve__feedback", task.CurrentStateID)
}

func TestRunCommand_BadDefinitions(t *testing.T) {
	ws := newWorkspace(t)
	ws.writeDef(t, "broken.cue", "package factories\n\nfactory: {")

	_, err := execute(t, t.Context(), "--db", ws.db, "--definitions", ws.defs, "run")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestStartNotify_LogOnly(t *testing.T) {
	n, closeFn, err := startNotify(t.Context(), &config.Config{}, nil)
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, notify.Log{}, n)
}

func TestStartNotify_StoresNATSReplies(t *testing.T) {
	server := startTestNATSServer(t)
	ws := newWorkspace(t)
	_, err := ws.run(t, "enqueue", "review", "--id", "task-1")
	require.NoError(t, err)

	st, err := store.Open(ws.db)
	require.NoError(t, err)
	defer st.Close()

	cfg := &config.Config{Notify: config.NotifyConfig{
		NATSURL:       server.ClientURL(),
		SubjectPrefix: "factory.tasks",
	}}
	n, closeFn, err := startNotify(t.Context(), cfg, st)
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, notify.Multi{}, n)

	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	resp, err := nc.Request("factory.tasks.replies.task-1", []byte("approve"), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Data))

	reply, err := st.PendingReply(context.Background(), "task-1")
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, "approve", reply.Body)
}

func TestStartMetricsServer_Disabled(t *testing.T) {
	assert.Nil(t, startMetricsServer("", metrics.NewMetrics(), nil))
}
