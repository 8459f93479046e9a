package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/engine"
	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/ir"
	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/store"
)

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	TaskID  string
	Title   string
	Prompt  string
	Context string
}

// EnqueueResult is the created task.
type EnqueueResult struct {
	TaskID     string       `json:"task_id"`
	WorkflowID string       `json:"workflow_id"`
	State      string       `json:"state"`
	Lifecycle  ir.Lifecycle `json:"lifecycle"`
	GraphHash  string       `json:"graph_hash"`
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue <factory>",
		Short: "Create a queued task for a factory",
		Long: `Create a task at the factory's start state. The compiled graph hash is
stamped on the task so later ticks can detect a changed definition.

Examples:
  factory enqueue review --title "Launch post" --prompt "Write the launch post"
  factory enqueue review --id task-42 --context "Audience: developers"`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.TaskID, "id", "", "task id (default: generated UUIDv7)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "task title")
	cmd.Flags().StringVar(&opts.Prompt, "prompt", "", "task prompt")
	cmd.Flags().StringVar(&opts.Context, "context", "", "free-form task context")
	return cmd
}

func runEnqueue(opts *EnqueueOptions, factoryID string, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}
	catalog, err := loadCatalog(cfg)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeLoadFailed, "failed to compile definitions", err)
	}
	vg, ok := catalog.Graph(factoryID)
	if !ok {
		return f.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("factory %q not found (have %v)", factoryID, catalog.IDs()), nil)
	}

	st, err := openStore(cfg)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to open database", err)
	}
	defer closeStore(st)

	taskID := opts.TaskID
	if taskID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeGeneric, "failed to generate task id", err)
		}
		taskID = id.String()
	}

	task := engine.NewTask(taskID, vg.Graph, ir.TaskMeta{
		Title:   opts.Title,
		Prompt:  opts.Prompt,
		Context: opts.Context,
	})
	task.GraphHash = vg.Hash
	if err := st.CreateTask(ctx, task); err != nil {
		if errors.Is(err, store.ErrTaskExists) {
			return f.Fail(ExitFailure, ErrCodeStore, fmt.Sprintf("task %s already exists", taskID), nil)
		}
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to create task", err)
	}

	result := EnqueueResult{
		TaskID:     task.TaskID,
		WorkflowID: task.WorkflowID,
		State:      task.CurrentStateID,
		Lifecycle:  task.Lifecycle,
		GraphHash:  task.GraphHash,
	}
	return f.Success(result, fmt.Sprintf("✓ queued %s in %s at %s\n", task.TaskID, task.WorkflowID, task.CurrentStateID))
}

// commandContext returns the command's context, or Background when unset.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
