package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/ir"
	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/metrics"
	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/notify"
	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/runner"
)

// TickReport is one task's tick in CLI output.
type TickReport struct {
	TaskID      string       `json:"task_id"`
	WorkflowID  string       `json:"workflow_id"`
	From        ir.Lifecycle `json:"from"`
	To          ir.Lifecycle `json:"to"`
	State       string       `json:"state,omitempty"`
	Transitions int          `json:"transitions"`
	Outcome     string       `json:"outcome"`
	Error       string       `json:"error,omitempty"`
	ReplayError string       `json:"replay_error,omitempty"`
}

// NewTickCommand creates the tick command.
func NewTickCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tick [task-id...]",
		Short: "Advance tasks by one tick",
		Long: `Advance the named tasks, or every runnable task when none are named, by
one engine call each. A tick runs until the task pauses for feedback, reaches
a terminal state or spends the transition budget.

Exit codes:
  0 - Every tick succeeded
  1 - A tick failed or its ledger did not replay
  2 - Command error (config, database, definitions)`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTick(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runTick(opts *RootOptions, taskIDs []string, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, err := loadConfig(opts)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}
	catalog, err := loadCatalog(cfg)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeLoadFailed, "failed to compile definitions", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to open database", err)
	}
	defer closeStore(st)

	r := newRunner(cfg, st, catalog, notify.Log{}, metrics.NewMetrics())

	var results []*runner.Result
	if len(taskIDs) == 0 {
		results, err = r.TickAll(ctx)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeStore, "failed to tick tasks", err)
		}
	} else {
		for _, id := range taskIDs {
			res, err := r.Tick(ctx, id)
			if res == nil {
				res = &runner.Result{TaskID: id, Label: metrics.OutcomeError, Err: err}
			}
			results = append(results, res)
		}
	}

	reports := make([]TickReport, 0, len(results))
	failed := 0
	for _, res := range results {
		rep := reportTick(res)
		if rep.Error != "" || rep.ReplayError != "" {
			failed++
		}
		reports = append(reports, rep)
	}

	text := tickText(reports)
	if failed > 0 {
		_ = f.Failure(ErrCodeGeneric, fmt.Sprintf("%d of %d tick(s) failed", failed, len(reports)), reports, text)
		return NewExitError(ExitFailure, fmt.Sprintf("%d tick(s) failed", failed))
	}
	return f.Success(reports, text)
}

func reportTick(res *runner.Result) TickReport {
	rep := TickReport{
		TaskID:     res.TaskID,
		WorkflowID: res.WorkflowID,
		From:       res.Before,
		To:         res.After,
		Outcome:    res.Label,
	}
	if res.Outcome != nil {
		rep.State = res.Outcome.Task.CurrentStateID
		rep.Transitions = len(res.Outcome.Events)
	}
	if res.Err != nil {
		rep.Error = res.Err.Error()
	}
	if res.ReplayErr != nil {
		rep.ReplayError = res.ReplayErr.Error()
	}
	return rep
}

func tickText(reports []TickReport) string {
	if len(reports) == 0 {
		return "No runnable tasks.\n"
	}
	var b strings.Builder
	for _, rep := range reports {
		mark := "✓"
		if rep.Error != "" || rep.ReplayError != "" {
			mark = "✗"
		}
		fmt.Fprintf(&b, "%s %s %s -> %s", mark, rep.TaskID, rep.From, rep.To)
		if rep.State != "" {
			fmt.Fprintf(&b, " at %s", rep.State)
		}
		fmt.Fprintf(&b, " (%s, %d transitions)\n", rep.Outcome, rep.Transitions)
		if rep.Error != "" {
			fmt.Fprintf(&b, "  error: %s\n", rep.Error)
		}
		if rep.ReplayError != "" {
			fmt.Fprintf(&b, "  replay: %s\n", rep.ReplayError)
		}
	}
	return b.String()
}
