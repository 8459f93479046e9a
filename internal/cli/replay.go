package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/store"
)

// ReplayTaskResult holds the replay result for a single task.
type ReplayTaskResult struct {
	TaskID     string `json:"task_id"`
	WorkflowID string `json:"workflow_id"`
	Events     int    `json:"events"`
	State      string `json:"state"`
	Replayed   string `json:"replayed,omitempty"`
	Consistent bool   `json:"consistent"`
	Error      string `json:"error,omitempty"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Tasks         []ReplayTaskResult `json:"tasks"`
	TotalTasks    int                `json:"total_tasks"`
	AllConsistent bool               `json:"all_consistent"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay [task-id]",
		Short: "Replay transition ledgers and verify them against tasks",
		Long: `Re-read every task's transition ledger in seq order, check event ids,
sequence continuity and edge continuity, and compare the replayed state with
the persisted task.

Exit codes:
  0 - Every ledger agrees with its task
  1 - A ledger diverged
  2 - Command error (database not found, etc.)

Examples:
  factory replay --db ./factory.db
  factory replay task-42 --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runReplay(opts *RootOptions, args []string, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, err := loadConfig(opts)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to open database", err)
	}
	defer closeStore(st)

	var histories []store.TaskHistory
	if len(args) == 1 {
		h, err := st.GetTaskHistory(ctx, args[0])
		if errors.Is(err, store.ErrNotFound) {
			return f.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("task %s not found", args[0]), nil)
		}
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeStore, "failed to load task history", err)
		}
		histories = []store.TaskHistory{h}
	} else {
		histories, err = st.VerifyAll(ctx)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeStore, "failed to verify ledgers", err)
		}
	}

	result := ReplayResult{
		Tasks:         make([]ReplayTaskResult, 0, len(histories)),
		TotalTasks:    len(histories),
		AllConsistent: true,
	}
	var b strings.Builder
	for _, h := range histories {
		tr := ReplayTaskResult{
			TaskID:     h.Task.TaskID,
			WorkflowID: h.Task.WorkflowID,
			Events:     len(h.Events),
			State:      h.Task.CurrentStateID,
			Replayed:   h.Replayed,
			Consistent: h.Consistent(),
		}
		if h.Err != nil {
			tr.Error = h.Err.Error()
			result.AllConsistent = false
		}
		result.Tasks = append(result.Tasks, tr)

		if tr.Consistent {
			fmt.Fprintf(&b, "✓ %s: %d events, at %s\n", tr.TaskID, tr.Events, tr.State)
		} else {
			fmt.Fprintf(&b, "✗ %s: %s\n", tr.TaskID, tr.Error)
		}
	}
	if len(histories) == 0 {
		b.WriteString("No tasks found in database.\n")
	}

	if !result.AllConsistent {
		_ = f.Failure(ErrCodeGeneric, "ledger replay diverged", result, b.String())
		return NewExitError(ExitFailure, "ledger replay diverged")
	}
	return f.Success(result, b.String())
}
