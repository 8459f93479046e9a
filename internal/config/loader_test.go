package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/engine"
)

func TestLoadBytes_Defaults(t *testing.T) {
	cfg, err := LoadBytes(nil)
	require.NoError(t, err)

	assert.Equal(t, "factory.db", cfg.Store.Path)
	assert.Equal(t, engine.DefaultBudget, cfg.Engine.Budget)
	assert.Equal(t, engine.LeaseBestEffort, cfg.LeaseMode())
	assert.Equal(t, 30*time.Second, cfg.Lease.TTL)
	assert.NotEmpty(t, cfg.Lease.Owner)
	assert.Equal(t, 4, cfg.Runner.Workers)
	assert.Equal(t, "factory.tasks", cfg.Notify.SubjectPrefix)
	assert.Empty(t, cfg.Notify.NATSURL)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadBytes_YAML(t *testing.T) {
	yamlContent := `store:
  path: /var/lib/factory/tasks.db
engine:
  budget: 8
lease:
  mode: strict
  ttl: 1m
  owner: worker-1
runner:
  workers: 2
  interval: 10s
notify:
  nats_url: nats://127.0.0.1:4222
  subject_prefix: board
agents:
  timeout: 90s
`
	cfg, err := LoadBytes([]byte(yamlContent))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/factory/tasks.db", cfg.Store.Path)
	assert.Equal(t, 8, cfg.Engine.Budget)
	assert.Equal(t, engine.LeaseStrict, cfg.LeaseMode())
	assert.Equal(t, time.Minute, cfg.Lease.TTL)
	assert.Equal(t, "worker-1", cfg.Lease.Owner)
	assert.Equal(t, 2, cfg.Runner.Workers)
	assert.Equal(t, 10*time.Second, cfg.Runner.Interval)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Notify.NATSURL)
	assert.Equal(t, "board", cfg.Notify.SubjectPrefix)
	assert.Equal(t, 90*time.Second, cfg.Agents.Timeout)
}

func TestLoadBytes_EnvOverridesYAML(t *testing.T) {
	t.Setenv("FACTORY_ENGINE_BUDGET", "3")
	t.Setenv("FACTORY_NOTIFY_NATS_URL", "nats://env:4222")
	t.Setenv("FACTORY_LEASE_MODE", "strict")

	cfg, err := LoadBytes([]byte("engine:\n  budget: 10\nlease:\n  mode: best_effort\n"))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Engine.Budget)
	assert.Equal(t, "nats://env:4222", cfg.Notify.NATSURL)
	assert.Equal(t, engine.LeaseStrict, cfg.LeaseMode())
}

func TestLoadBytes_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"negative budget", "engine:\n  budget: -1\n"},
		{"bad lease mode", "lease:\n  mode: sometimes\n"},
		{"bad log level", "log:\n  level: loud\n"},
		{"negative workers", "runner:\n  workers: -2\n"},
		{"malformed yaml", "engine: [budget\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBytes([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "factory.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  budget: 5\n"), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Engine.Budget)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_Directory(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.Error(t, err)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "engine.budget", envKey("FACTORY_ENGINE_BUDGET"))
	assert.Equal(t, "notify.subject_prefix", envKey("FACTORY_NOTIFY_SUBJECT_PREFIX"))
	assert.Equal(t, "debug", envKey("FACTORY_DEBUG"))
}
