package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/engine"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "FACTORY_"

	// DefaultFile is loaded when no path is given and it exists.
	DefaultFile = "factory.yaml"
)

// Load loads configuration from a YAML file, then overrides with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (FACTORY_ENGINE_BUDGET, FACTORY_LEASE_MODE, etc.)
//  2. YAML config file
//  3. Hardcoded defaults
//
// An empty path loads DefaultFile from the working directory when present.
// An explicit path that does not exist is an error.
//
// # Environment Variable Mapping
//
// The prefix is stripped, the rest is lowercased and split on the first
// underscore only:
//
//	FACTORY_ENGINE_BUDGET   -> engine.budget
//	FACTORY_NOTIFY_NATS_URL -> notify.nats_url
//	FACTORY_LEASE_TTL       -> lease.ttl
func Load(path string) (*Config, error) {
	var content []byte
	switch {
	case path != "":
		data, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		content = data
	default:
		if _, err := os.Stat(DefaultFile); err == nil {
			data, err := readConfigFile(DefaultFile)
			if err != nil {
				return nil, err
			}
			content = data
		}
	}
	return LoadBytes(content)
}

// LoadBytes loads configuration from YAML content plus the environment.
func LoadBytes(content []byte) (*Config, error) {
	k := koanf.New(".")

	if len(content) > 0 {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envKey maps FACTORY_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("config path %s is a directory", path)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// applyDefaults fills zero values.
func applyDefaults(cfg *Config) {
	if cfg.Store.Path == "" {
		cfg.Store.Path = "factory.db"
	}
	if cfg.Engine.Budget == 0 {
		cfg.Engine.Budget = engine.DefaultBudget
	}

	if cfg.Lease.Mode == "" {
		cfg.Lease.Mode = string(engine.LeaseBestEffort)
	}
	if cfg.Lease.TTL == 0 {
		cfg.Lease.TTL = 30 * time.Second
	}
	if cfg.Lease.Owner == "" {
		cfg.Lease.Owner = defaultOwner()
	}

	if cfg.Runner.Workers == 0 {
		cfg.Runner.Workers = 4
	}
	if cfg.Runner.Interval == 0 {
		cfg.Runner.Interval = 5 * time.Second
	}

	if cfg.Notify.SubjectPrefix == "" {
		cfg.Notify.SubjectPrefix = "factory.tasks"
	}
	if cfg.Definitions.Dir == "" {
		cfg.Definitions.Dir = "factories"
	}
	if cfg.Agents.Timeout == 0 {
		cfg.Agents.Timeout = 5 * time.Minute
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "factory"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
