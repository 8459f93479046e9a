// Package config provides configuration loading for the factory runner.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/engine"
)

// Config is the complete runtime configuration.
type Config struct {
	Store       StoreConfig       `koanf:"store"`
	Engine      EngineConfig      `koanf:"engine"`
	Lease       LeaseConfig       `koanf:"lease"`
	Runner      RunnerConfig      `koanf:"runner"`
	Notify      NotifyConfig      `koanf:"notify"`
	Metrics     MetricsConfig     `koanf:"metrics"`
	Definitions DefinitionsConfig `koanf:"definitions"`
	Agents      AgentsConfig      `koanf:"agents"`
	Log         LogConfig         `koanf:"log"`
}

// StoreConfig locates the sqlite database.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// EngineConfig tunes Advance.
type EngineConfig struct {
	Budget int `koanf:"budget"` // transitions per tick (default: 32)
}

// LeaseConfig controls same-task exclusivity.
type LeaseConfig struct {
	Mode  string        `koanf:"mode"` // strict | best_effort
	TTL   time.Duration `koanf:"ttl"`
	Owner string        `koanf:"owner"` // defaults to hostname-pid
}

// RunnerConfig controls tick fan-out.
type RunnerConfig struct {
	Workers  int           `koanf:"workers"`
	Interval time.Duration `koanf:"interval"` // poll period for `factory run`
}

// NotifyConfig selects the lifecycle relay. An empty NATSURL logs only.
type NotifyConfig struct {
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// MetricsConfig exposes Prometheus metrics. An empty Addr disables the endpoint.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// DefinitionsConfig locates CUE factory definitions.
type DefinitionsConfig struct {
	Dir string `koanf:"dir"`
}

// AgentsConfig bounds process-backed agents.
type AgentsConfig struct {
	Timeout time.Duration `koanf:"timeout"`
	WorkDir string        `koanf:"workdir"`
}

// LogConfig selects the slog level and handler.
type LogConfig struct {
	Level  string `koanf:"level"`  // debug | info | warn | error
	Format string `koanf:"format"` // text | json
}

// LeaseMode returns the engine lease mode.
func (c *Config) LeaseMode() engine.LeaseMode {
	return engine.LeaseMode(c.Lease.Mode)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return errors.New("store path required")
	}
	if c.Engine.Budget < 1 {
		return fmt.Errorf("invalid engine budget: %d (must be >= 1)", c.Engine.Budget)
	}
	switch engine.LeaseMode(c.Lease.Mode) {
	case engine.LeaseStrict, engine.LeaseBestEffort:
	default:
		return fmt.Errorf("invalid lease mode: %q (must be strict or best_effort)", c.Lease.Mode)
	}
	if c.Lease.TTL <= 0 {
		return errors.New("lease ttl must be positive")
	}
	if c.Runner.Workers < 1 {
		return fmt.Errorf("invalid runner workers: %d (must be >= 1)", c.Runner.Workers)
	}
	if c.Runner.Interval <= 0 {
		return errors.New("runner interval must be positive")
	}
	if c.Agents.Timeout <= 0 {
		return errors.New("agent timeout must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %q", c.Log.Format)
	}
	return nil
}
