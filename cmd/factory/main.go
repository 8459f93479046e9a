// Command factory compiles factory definitions and runs tasks through them.
package main

import (
	"fmt"
	"os"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
