package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/config"
	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/metrics"
	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/notify"
	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/store"
)

const shutdownTimeout = 5 * time.Second

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Interval time.Duration // overrides runner.interval when set
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Tick runnable tasks until interrupted",
		Long: `Start the factory runner. Every interval it ticks each runnable task once,
at most runner.workers at a time.

When notify.nats_url is set, lifecycle changes are published to
{subject_prefix}.{factory}.{task}.{lifecycle} and feedback replies posted to
{subject_prefix}.replies.{task} are stored in the task's inbox.
When metrics.addr is set, Prometheus metrics are served on /metrics.

Example:
  factory run --config factory.yaml
  factory run --db ./factory.db --definitions ./factories --interval 2s`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRunner(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Interval, "interval", 0, "poll interval (overrides runner.interval)")
	return cmd
}

func runRunner(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Interval > 0 {
		cfg.Runner.Interval = opts.Interval
	}
	configureLogging(cmd.ErrOrStderr(), opts.Verbose, parseLevel(cfg.Log.Level), cfg.Log.Format)

	slog.Info("compiling definitions", "dir", cfg.Definitions.Dir)
	catalog, err := loadCatalog(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to compile definitions", err)
	}
	slog.Info("definitions compiled", "factories", catalog.IDs())

	st, err := openStore(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer closeStore(st)
	slog.Info("database ready", "path", cfg.Store.Path)

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	notifier, closeNotify, err := startNotify(ctx, cfg, st)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect to NATS", err)
	}
	defer closeNotify()

	m := metrics.Default()
	srv := startMetricsServer(cfg.Metrics.Addr, m, st)
	if srv != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Warn("metrics server shutdown", "error", err)
			}
		}()
	}

	r := newRunner(cfg, st, catalog, notifier, m)

	slog.Info("runner starting",
		"interval", cfg.Runner.Interval,
		"workers", cfg.Runner.Workers,
		"lease_mode", cfg.Lease.Mode,
		"owner", cfg.Lease.Owner,
	)
	fmt.Fprintln(cmd.OutOrStdout(), "Runner started. Press Ctrl-C to stop.")

	if err := r.Run(ctx, cfg.Runner.Interval); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "runner error", err)
	}
	slog.Info("runner stopped gracefully")
	return nil
}

// startNotify builds the lifecycle notifier. Without a NATS URL it only logs.
// With one, replies posted over NATS are stored as they arrive.
func startNotify(ctx context.Context, cfg *config.Config, st *store.Store) (notify.Notifier, func(), error) {
	if cfg.Notify.NATSURL == "" {
		return notify.Log{}, func() {}, nil
	}
	relay, err := notify.Connect(cfg.Notify.NATSURL, cfg.Notify.SubjectPrefix)
	if err != nil {
		return nil, nil, err
	}
	_, err = relay.SubscribeReplies(ctx, func(ctx context.Context, taskID, body string) error {
		id, err := st.AddReply(ctx, taskID, body, time.Now().UTC())
		if err != nil {
			return err
		}
		slog.Info("feedback reply received", "task_id", taskID, "reply_id", id)
		return nil
	})
	if err != nil {
		_ = relay.Close()
		return nil, nil, err
	}
	slog.Info("relaying lifecycle changes", "url", cfg.Notify.NATSURL, "prefix", cfg.Notify.SubjectPrefix)
	closeFn := func() {
		if err := relay.Close(); err != nil {
			slog.Warn("nats drain failed", "error", err)
		}
	}
	return notify.Multi{notify.Log{}, relay}, closeFn, nil
}

// startMetricsServer serves /metrics and /healthz on addr. Empty addr disables it.
func startMetricsServer(addr string, m *metrics.Metrics, st *store.Store) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}
