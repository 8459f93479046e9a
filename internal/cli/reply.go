package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/ir"
	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/store"
)

// ReplyResult is a stored feedback reply.
type ReplyResult struct {
	ReplyID   int64        `json:"reply_id"`
	TaskID    string       `json:"task_id"`
	Lifecycle ir.Lifecycle `json:"lifecycle"`
}

// NewReplyCommand creates the reply command.
func NewReplyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reply <task-id> <body|->",
		Short: "Post a feedback reply to a task",
		Long: `Store a feedback reply in the task's inbox. The next tick of a paused task
hands the oldest unconsumed reply to its ask state exactly once.

A body of "-" reads the reply from stdin.

Examples:
  factory reply task-42 "approve"
  echo '{"verdict":"revise"}' | factory reply task-42 -`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReply(rootOpts, args[0], args[1], cmd)
		},
	}
	return cmd
}

func runReply(opts *RootOptions, taskID, body string, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	if body == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeGeneric, "failed to read reply from stdin", err)
		}
		body = string(data)
	}

	cfg, err := loadConfig(opts)
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

	id, err := st.AddReply(ctx, taskID, body, time.Now().UTC())
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to store reply", err)
	}

	result := ReplyResult{ReplyID: id, TaskID: taskID, Lifecycle: task.Lifecycle}
	text := fmt.Sprintf("✓ reply %d stored for %s\n", id, taskID)
	if task.Lifecycle != ir.LifecycleFeedback {
		text += fmt.Sprintf("  task is %s; the reply waits until it pauses for feedback\n", task.Lifecycle)
	}
	return f.Success(result, text)
}
