package cli

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/ir"
	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/store"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Lifecycles []string
}

// TaskStatus is one task row in status output.
type TaskStatus struct {
	TaskID     string       `json:"task_id"`
	WorkflowID string       `json:"workflow_id"`
	Lifecycle  ir.Lifecycle `json:"lifecycle"`
	State      string       `json:"state"`
	LastSeq    int64        `json:"last_seq"`
	LastError  string       `json:"last_error,omitempty"`
	PausedAt   *time.Time   `json:"paused_at,omitempty"`
	Title      string       `json:"title,omitempty"`
}

// TaskDetail adds the ledger and context for a single task.
type TaskDetail struct {
	TaskStatus
	Context map[string]any       `json:"context"`
	Events  []ir.TransitionEvent `json:"events"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status [task-id]",
		Short: "Show tasks, or one task with its ledger",
		Long: `List tasks with their lifecycle and current state. With a task id, show
that task's context and its full transition ledger.

Examples:
  factory status
  factory status --lifecycle feedback --lifecycle failed
  factory status task-42 --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return runTaskStatus(opts, args[0], cmd)
			}
			return runListStatus(opts, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Lifecycles, "lifecycle", nil, "only list tasks in these lifecycles")
	return cmd
}

func runListStatus(opts *StatusOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	filter := make([]ir.Lifecycle, 0, len(opts.Lifecycles))
	for _, l := range opts.Lifecycles {
		lc := ir.Lifecycle(l)
		if !ir.ValidLifecycles[lc] {
			return f.Fail(ExitCommandError, ErrCodeGeneric, fmt.Sprintf("invalid lifecycle %q", l), nil)
		}
		filter = append(filter, lc)
	}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to open database", err)
	}
	defer closeStore(st)

	tasks, err := st.ListTasks(ctx, filter...)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to list tasks", err)
	}

	rows := make([]TaskStatus, len(tasks))
	for i, t := range tasks {
		rows[i] = statusOf(t)
	}
	if len(rows) == 0 {
		return f.Success(rows, "No tasks found.\n")
	}

	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tFACTORY\tLIFECYCLE\tSTATE\tSEQ\tERROR")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", r.TaskID, r.WorkflowID, r.Lifecycle, r.State, r.LastSeq, r.LastError)
	}
	_ = tw.Flush()
	return f.Success(rows, b.String())
}

func runTaskStatus(opts *StatusOptions, taskID string, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to open database", err)
	}
	defer closeStore(st)

	task, err := st.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return f.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("task %s not found", taskID), nil)
	}
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to load task", err)
	}
	events, err := st.Events(ctx, taskID)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to load ledger", err)
	}

	detail := TaskDetail{TaskStatus: statusOf(task), Context: task.Context, Events: events}

	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)\n", task.TaskID, task.WorkflowID)
	fmt.Fprintf(&b, "  lifecycle: %s\n", task.Lifecycle)
	fmt.Fprintf(&b, "  state:     %s\n", task.CurrentStateID)
	if task.Bookkeeping.LastError != "" {
		fmt.Fprintf(&b, "  error:     %s\n", task.Bookkeeping.LastError)
	}
	if task.PausedAt != nil {
		fmt.Fprintf(&b, "  paused at: %s\n", task.PausedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "  ledger:    %d events\n", len(events))
	for _, ev := range events {
		fmt.Fprintf(&b, "    %03d %s -> %s %s/%s", ev.Seq, ev.From, ev.To, ev.Event, ev.Reason)
		if ev.Attempt > 0 {
			fmt.Fprintf(&b, " attempt=%d", ev.Attempt)
		}
		if ev.LoopIteration > 0 {
			fmt.Fprintf(&b, " iteration=%d", ev.LoopIteration)
		}
		b.WriteByte('\n')
	}
	return f.Success(detail, b.String())
}

func statusOf(t *ir.TaskState) TaskStatus {
	return TaskStatus{
		TaskID:     t.TaskID,
		WorkflowID: t.WorkflowID,
		Lifecycle:  t.Lifecycle,
		State:      t.CurrentStateID,
		LastSeq:    t.LastSeq,
		LastError:  t.Bookkeeping.LastError,
		PausedAt:   t.PausedAt,
		Title:      t.Meta.Title,
	}
}
