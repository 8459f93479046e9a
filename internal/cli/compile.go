package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/compiler"
	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/ir"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output string // directory receiving {factory}.json graphs
}

// CompiledFactory summarises one compiled graph.
type CompiledFactory struct {
	ID     string `json:"id"`
	Start  string `json:"start"`
	States int    `json:"states"`
	Hash   string `json:"hash"`
	Path   string `json:"path,omitempty"`
}

// CompileResult holds compile output.
type CompileResult struct {
	IRVersion string                     `json:"ir_version"`
	Factories []CompiledFactory          `json:"factories"`
	Errors    []compiler.ValidationError `json:"errors,omitempty"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile [definitions-dir]",
		Short: "Compile factory definitions into validated graphs",
		Long: `Compile CUE factory definitions: lower, validate and resolve every named
handler, selector, parser and renderer against the stock capabilities and
exec: agents.

With --output, each graph is written as canonical JSON to {dir}/{factory}.json.

Exit codes:
  0 - All factories compiled
  1 - One or more factories rejected
  2 - Command error (directory not found, write failure)`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, definitionsArg(rootOpts, args), cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write compiled graphs to this directory")
	return cmd
}

func runCompile(opts *CompileOptions, dir string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}
	if derr := checkDefinitionsDir(dir); derr != nil {
		return f.Fail(ExitCommandError, derr.code, derr.msg, nil)
	}

	defs, loadErrs := compiler.LoadDefinitions(dir)
	reg := newRegistry(cfg)

	result := CompileResult{IRVersion: ir.IRVersion, Factories: []CompiledFactory{}}
	for _, err := range loadErrs {
		result.Errors = append(result.Errors, toValidationErrors("", err)...)
	}

	var graphs []*compiler.ValidGraph
	for _, def := range defs {
		f.VerboseLog("Compiling factory: %s", def.ID)
		vg, err := compiler.Compile(def, reg)
		if err != nil {
			result.Errors = append(result.Errors, toValidationErrors(def.ID, err)...)
			continue
		}
		graphs = append(graphs, vg)
		result.Factories = append(result.Factories, CompiledFactory{
			ID:     vg.Graph.ID,
			Start:  vg.Graph.Start,
			States: len(vg.Graph.States),
			Hash:   vg.Hash,
		})
	}

	if len(result.Errors) > 0 {
		_ = f.Failure(result.Errors[0].Code, result.Errors[0].Message, result, validationText(ValidationResult{Errors: result.Errors}))
		return NewExitError(ExitFailure, fmt.Sprintf("compile failed with %d error(s)", len(result.Errors)))
	}

	if opts.Output != "" {
		for i, vg := range graphs {
			path, err := writeGraph(opts.Output, vg.Graph)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeWriteFailed, "failed to write graph", err)
			}
			result.Factories[i].Path = path
			f.VerboseLog("Wrote %s", path)
		}
	}

	var b strings.Builder
	for _, c := range result.Factories {
		fmt.Fprintf(&b, "✓ %s: %d states, start %s, hash %s\n", c.ID, c.States, c.Start, shortHash(c.Hash))
	}
	return f.Success(result, b.String())
}

// writeGraph writes g as canonical JSON to dir/{id}.json.
func writeGraph(dir string, g *ir.Graph) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	if strings.ContainsAny(g.ID, `/\`) {
		return "", errors.New("factory id is not a valid file name: " + g.ID)
	}
	data, err := ir.CanonicalGraph(g)
	if err != nil {
		return "", fmt.Errorf("graph %s: %w", g.ID, err)
	}
	path := filepath.Join(dir, g.ID+".json")
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
