package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/engine"
	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/ir"
	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/ledger"
	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/metrics"
	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/notify"
	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/store"
)

// ErrUnknownWorkflow is returned when a task names a workflow that is not
// in the catalog.
var ErrUnknownWorkflow = errors.New("runner: unknown workflow")

// TaskStore is the persistence the runner needs. *store.Store implements it.
type TaskStore interface {
	engine.Checkpointer
	ledger.Reader

	GetTask(ctx context.Context, taskID string) (*ir.TaskState, error)
	RunnableTaskIDs(ctx context.Context) ([]string, error)

	AcquireLease(ctx context.Context, taskID, owner string, ttl time.Duration, now time.Time) (bool, error)
	Heartbeat(ctx context.Context, taskID, owner string, ttl time.Duration, now time.Time) (bool, error)
	ReleaseLease(ctx context.Context, taskID, owner string) error

	PendingReply(ctx context.Context, taskID string) (*store.Reply, error)
	ConsumeReply(ctx context.Context, replyID int64, tickID string, at time.Time) error
}

var _ TaskStore = (*store.Store)(nil)

// Result reports one tick of one task.
type Result struct {
	TaskID     string
	WorkflowID string
	Before     ir.Lifecycle
	After      ir.Lifecycle

	// Label is the metrics outcome label of the tick.
	Label string

	// Outcome is nil when the engine was not called.
	Outcome *engine.Outcome

	// ReplayErr is set when the post-tick ledger replay disagreed with
	// the persisted task.
	ReplayErr error

	Err      error
	Duration time.Duration
}

// Runner ticks persisted tasks.
//
// Thread-safety: Runner is safe for concurrent use. Same-task exclusivity
// comes from store leases, not from the Runner.
type Runner struct {
	store    TaskStore
	graphs   Graphs
	engine   *engine.Engine
	mode     engine.LeaseMode
	ttl      time.Duration
	owner    string
	workers  int
	notifier notify.Notifier
	metrics  *metrics.Metrics
	now      func() time.Time

	engineOpts []engine.EngineOption
}

// Option configures a Runner.
type Option func(*Runner)

// WithLease sets the lease contract, lease duration and owner identity.
func WithLease(mode engine.LeaseMode, ttl time.Duration, owner string) Option {
	return func(r *Runner) {
		r.mode = mode
		r.ttl = ttl
		r.owner = owner
	}
}

// WithWorkers bounds how many tasks TickAll advances at once.
func WithWorkers(n int) Option {
	return func(r *Runner) { r.workers = n }
}

// WithNotifier sets where lifecycle changes are relayed.
func WithNotifier(n notify.Notifier) Option {
	return func(r *Runner) { r.notifier = n }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithNow sets the wall clock used for leases and reply bookkeeping.
func WithNow(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithEngineOptions passes options through to the engine.
// Lease mode and checkpointer are always set by the runner.
func WithEngineOptions(opts ...engine.EngineOption) Option {
	return func(r *Runner) { r.engineOpts = append(r.engineOpts, opts...) }
}

// New creates a runner over st, executing the graphs in graphs.
func New(st TaskStore, graphs Graphs, opts ...Option) *Runner {
	r := &Runner{
		store:    st,
		graphs:   graphs,
		mode:     engine.LeaseBestEffort,
		ttl:      30 * time.Second,
		owner:    "factory",
		workers:  4,
		notifier: notify.Log{},
		metrics:  metrics.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	engineOpts := append([]engine.EngineOption{}, r.engineOpts...)
	engineOpts = append(engineOpts,
		engine.WithLeaseMode(r.mode),
		engine.WithCheckpointer(st),
	)
	r.engine = engine.New(engineOpts...)
	return r
}

// Tick advances one task by one engine call.
//
// The returned error is also stored in Result.Err. A nil Result means the
// task could not be loaded.
func (r *Runner) Tick(ctx context.Context, taskID string) (*Result, error) {
	start := time.Now()
	res, err := r.tick(ctx, taskID)
	if res == nil {
		return nil, err
	}
	res.Err = err
	res.Duration = time.Since(start)

	var events []ir.TransitionEvent
	if res.Outcome != nil {
		events = res.Outcome.Events
	}
	r.metrics.ObserveTick(res.WorkflowID, res.Label, res.Duration, events)
	return res, err
}

func (r *Runner) tick(ctx context.Context, taskID string) (*Result, error) {
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	res := &Result{
		TaskID:     task.TaskID,
		WorkflowID: task.WorkflowID,
		Before:     task.Lifecycle,
		After:      task.Lifecycle,
	}
	if task.Lifecycle.IsFinal() {
		res.Label = metrics.OutcomeIdle
		return res, nil
	}

	vg, ok := r.graphs.Graph(task.WorkflowID)
	if !ok {
		res.Label = metrics.OutcomeError
		return res, fmt.Errorf("task %s: %w %q", taskID, ErrUnknownWorkflow, task.WorkflowID)
	}

	held, err := r.store.AcquireLease(ctx, taskID, r.owner, r.ttl, r.now())
	if err != nil {
		res.Label = metrics.OutcomeError
		return res, err
	}
	if !held {
		slog.Debug("lease held elsewhere", "task_id", taskID, "owner", r.owner, "mode", r.mode)
	}

	tickCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if held {
		stop := r.heartbeat(tickCtx, cancel, taskID)
		defer func() {
			stop()
			if err := r.store.ReleaseLease(context.WithoutCancel(ctx), taskID, r.owner); err != nil {
				slog.Warn("release lease failed", "task_id", taskID, "error", err)
			}
		}()
	}

	in := engine.TickInput{LeaseValid: held}
	var reply *store.Reply
	if task.Lifecycle == ir.LifecycleFeedback {
		reply, err = r.store.PendingReply(ctx, taskID)
		if err != nil {
			res.Label = metrics.OutcomeError
			return res, err
		}
		if reply != nil {
			body := reply.Body
			in.Reply = &body
		}
	}

	out, err := r.engine.Advance(tickCtx, vg, task, in)
	res.Outcome = out
	if out != nil {
		res.After = out.Task.Lifecycle
		if out.ReplyConsumed && reply != nil {
			if cerr := r.store.ConsumeReply(context.WithoutCancel(ctx), reply.ID, out.TickID, r.now()); cerr != nil {
				slog.Warn("consume reply failed", "task_id", taskID, "reply_id", reply.ID, "error", cerr)
			} else {
				r.metrics.RepliesConsumed.Inc()
			}
		}
	}
	res.Label = label(out, err)

	if err != nil && !engine.IsRuntimeError(err) {
		slog.Warn("tick failed", "task_id", taskID, "label", res.Label, "error", err)
		return res, err
	}

	if r.mode == engine.LeaseBestEffort {
		res.ReplayErr = r.verify(ctx, taskID)
	}
	if res.Before != res.After {
		change := notify.NewChange(res.Before, out.Task, len(out.Events), r.now())
		if nerr := r.notifier.Notify(ctx, change); nerr != nil {
			slog.Warn("relay lifecycle change failed", "task_id", taskID, "error", nerr)
		}
	}

	slog.Info("tick finished",
		"task_id", taskID,
		"workflow_id", res.WorkflowID,
		"from", res.Before,
		"to", res.After,
		"state", out.Task.CurrentStateID,
		"transitions", len(out.Events),
		"label", res.Label,
	)
	return res, err
}

// heartbeat extends the lease every ttl/3 until stopped. If the lease is
// lost in strict mode the tick context is cancelled.
func (r *Runner) heartbeat(ctx context.Context, cancel context.CancelFunc, taskID string) (stop func()) {
	interval := r.ttl / 3
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := r.store.Heartbeat(ctx, taskID, r.owner, r.ttl, r.now())
				if err == nil && ok {
					continue
				}
				slog.Warn("lease lost", "task_id", taskID, "owner", r.owner, "error", err)
				if r.mode == engine.LeaseStrict {
					cancel()
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// verify replays the persisted ledger against the persisted task.
func (r *Runner) verify(ctx context.Context, taskID string) error {
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	err = ledger.VerifyTask(ctx, r.store, task)
	r.metrics.ObserveReplay(err == nil)
	if err != nil {
		slog.Error("ledger replay disagrees with task", "task_id", taskID, "error", err)
	}
	return err
}

func label(out *engine.Outcome, err error) string {
	switch {
	case errors.Is(err, engine.ErrLeaseRequired):
		return metrics.OutcomeLeaseLost
	case store.IsConflict(err):
		return metrics.OutcomeConflict
	case err != nil && !engine.IsRuntimeError(err):
		return metrics.OutcomeError
	case out == nil:
		return metrics.OutcomeError
	}
	switch out.Task.Lifecycle {
	case ir.LifecycleDone:
		return metrics.OutcomeDone
	case ir.LifecycleBlocked:
		return metrics.OutcomeBlocked
	case ir.LifecycleFailed:
		return metrics.OutcomeFailed
	case ir.LifecycleFeedback:
		return metrics.OutcomeFeedback
	}
	if out.Yielded {
		return metrics.OutcomeYielded
	}
	return metrics.OutcomeIdle
}

// TickAll ticks every runnable task once, at most workers at a time.
// Per-task failures are reported in the results; the error covers only
// listing and scheduling.
func (r *Runner) TickAll(ctx context.Context) ([]*Result, error) {
	ids, err := r.store.RunnableTaskIDs(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pool, err := ants.NewPool(r.workers)
	if err != nil {
		return nil, fmt.Errorf("create tick worker pool: %w", err)
	}
	defer pool.Release()

	results := make([]*Result, len(ids))
	var wg sync.WaitGroup
	var submitErrs []error
	for i, id := range ids {
		wg.Add(1)
		idx, taskID := i, id
		err := pool.Submit(func() {
			defer wg.Done()
			res, err := r.Tick(ctx, taskID)
			if res == nil {
				res = &Result{TaskID: taskID, Label: metrics.OutcomeError, Err: err}
			}
			results[idx] = res
		})
		if err != nil {
			wg.Done()
			submitErrs = append(submitErrs, fmt.Errorf("schedule task %s: %w", taskID, err))
		}
	}
	wg.Wait()

	out := results[:0]
	for _, res := range results {
		if res != nil {
			out = append(out, res)
		}
	}
	return out, errors.Join(submitErrs...)
}

// Run calls TickAll every interval until ctx is cancelled.
func (r *Runner) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		results, err := r.TickAll(ctx)
		if err != nil {
			slog.Error("tick round failed", "error", err)
		}
		if len(results) > 0 {
			slog.Debug("tick round finished", "tasks", len(results))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
