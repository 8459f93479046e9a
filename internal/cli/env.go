package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/agent"
	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/compiler"
	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/config"
	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/engine"
	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/ir"
	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/metrics"
	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/notify"
	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/runner"
	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/store"
)

// Stock capability names available to every definition.
const (
	RendererContext = "context" // publishes the whole task context
	ParserJSON      = "json"    // decodes a reply object into a context patch
)

// loadConfig loads the config file and applies the global flag overrides.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, err
	}
	if opts.Database != "" {
		cfg.Store.Path = opts.Database
	}
	if opts.Definitions != "" {
		cfg.Definitions.Dir = opts.Definitions
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*store.Store, error) {
	slog.Debug("opening database", "path", cfg.Store.Path)
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func closeStore(st *store.Store) {
	if err := st.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

// newRegistry returns the capabilities a CLI-hosted factory can name:
// the stock renderer and parser plus exec: agents.
func newRegistry(cfg *config.Config) *compiler.Registry {
	reg := compiler.NewRegistry()
	reg.RegisterRenderer(RendererContext, func(ctx map[string]any) (any, error) {
		return ir.CloneMap(ctx), nil
	})
	reg.RegisterParser(ParserJSON, parseJSONReply)
	reg.AddResolver(agent.NewResolver(
		agent.WithTimeout(cfg.Agents.Timeout),
		agent.WithDir(cfg.Agents.WorkDir),
	))
	return reg
}

// parseJSONReply treats the reply as a JSON object merged into the context.
func parseJSONReply(reply string, _ ir.HandlerInput) (ir.HandlerResult, error) {
	var patch map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(reply)), &patch); err != nil {
		return ir.HandlerResult{}, fmt.Errorf("reply is not a JSON object: %w", err)
	}
	return ir.HandlerResult{Status: ir.StatusDone, Data: patch}, nil
}

// loadCatalog parses and compiles every factory under the definitions dir.
func loadCatalog(cfg *config.Config) (*runner.Catalog, error) {
	defs, errs := compiler.LoadDefinitions(cfg.Definitions.Dir)
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	catalog, errs := runner.Compile(defs, newRegistry(cfg))
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	slog.Debug("definitions compiled", "dir", cfg.Definitions.Dir, "factories", catalog.IDs())
	return catalog, nil
}

// newRunner wires the runner from config.
func newRunner(cfg *config.Config, st *store.Store, catalog *runner.Catalog, n notify.Notifier, m *metrics.Metrics) *runner.Runner {
	return runner.New(st, catalog,
		runner.WithLease(cfg.LeaseMode(), cfg.Lease.TTL, cfg.Lease.Owner),
		runner.WithWorkers(cfg.Runner.Workers),
		runner.WithNotifier(n),
		runner.WithMetrics(m),
		runner.WithEngineOptions(engine.WithBudget(cfg.Engine.Budget)),
	)
}
