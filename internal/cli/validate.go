package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/compiler"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid     bool                       `json:"valid"`
	Factories []string                   `json:"factories"`
	Errors    []compiler.ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [definitions-dir]",
		Short: "Check factory definitions without resolving capabilities",
		Long: `Parse CUE factory definitions, lower them into graphs and check every
structural invariant: dangling targets, loop and retry shape, feedback resume
targets and terminal statuses.

Handler, selector and renderer names are not resolved; use compile for that.

Exit codes:
  0 - All factories valid
  1 - One or more violations
  2 - Command error (directory not found, no CUE files)`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, definitionsArg(rootOpts, args), cmd)
		},
	}
	return cmd
}

// definitionsArg picks the definitions dir from the positional argument,
// then --definitions, then config.
func definitionsArg(opts *RootOptions, args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	if opts.Definitions != "" {
		return opts.Definitions
	}
	if cfg, err := loadConfig(opts); err == nil {
		return cfg.Definitions.Dir
	}
	return "factories"
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	if err := checkDefinitionsDir(dir); err != nil {
		return f.Fail(ExitCommandError, err.code, err.msg, nil)
	}

	defs, loadErrs := compiler.LoadDefinitions(dir)
	f.VerboseLog("Loaded %d factory definition(s) from %s", len(defs), dir)

	result := ValidationResult{Factories: make([]string, 0, len(defs))}
	for _, err := range loadErrs {
		result.Errors = append(result.Errors, toValidationErrors("", err)...)
	}
	for _, def := range defs {
		result.Factories = append(result.Factories, def.ID)
		f.VerboseLog("Validating factory: %s", def.ID)
		result.Errors = append(result.Errors, validateDefinition(def)...)
	}
	result.Valid = len(result.Errors) == 0

	if !result.Valid {
		_ = f.Failure(result.Errors[0].Code, result.Errors[0].Message, result, validationText(result))
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(result.Errors)))
	}
	return f.Success(result, fmt.Sprintf("✓ %d factories valid: %s\n", len(result.Factories), strings.Join(result.Factories, ", ")))
}

// validateDefinition lowers def and checks the graph invariants.
// Inline guards count as declared; registry guards are not consulted.
func validateDefinition(def *compiler.Definition) []compiler.ValidationError {
	g, err := compiler.Lower(def)
	if err != nil {
		return toValidationErrors(def.ID, err)
	}
	guards := make(map[string]bool, len(def.Guards))
	for name := range def.Guards {
		guards[name] = true
	}
	violations := compiler.Validate(g, guards)
	for i := range violations {
		violations[i].Field = "factory." + def.ID + "." + violations[i].Field
	}
	return violations
}

// toValidationErrors flattens compile and load errors into violations.
func toValidationErrors(factoryID string, err error) []compiler.ValidationError {
	prefix := "factory"
	if factoryID != "" {
		prefix += "." + factoryID
	}

	var invalid *compiler.InvalidGraphError
	if errors.As(err, &invalid) {
		out := make([]compiler.ValidationError, len(invalid.Violations))
		for i, v := range invalid.Violations {
			v.Field = prefix + "." + v.Field
			out[i] = v
		}
		return out
	}

	var ce *compiler.CompileError
	if errors.As(err, &ce) {
		line := 0
		if ce.Pos.IsValid() {
			line = ce.Pos.Line()
		}
		return []compiler.ValidationError{{
			Field:   prefix + "." + ce.Field,
			Message: ce.Message,
			Code:    ErrCodeGeneric,
			Line:    line,
		}}
	}

	return []compiler.ValidationError{{Field: prefix, Message: err.Error(), Code: ErrCodeLoadFailed}}
}

func validationText(result ValidationResult) string {
	var b strings.Builder
	b.WriteString("✗ Validation failed\n\n")
	for _, err := range result.Errors {
		if err.Line > 0 {
			fmt.Fprintf(&b, "line %d\n", err.Line)
		}
		fmt.Fprintf(&b, "  %s: %s: %s\n\n", err.Code, err.Field, err.Message)
	}
	return b.String()
}

type dirError struct {
	code string
	msg  string
}

// checkDefinitionsDir reports a missing directory or one without CUE files.
func checkDefinitionsDir(dir string) *dirError {
	info, err := os.Stat(dir)
	if err != nil {
		return &dirError{ErrCodeNotFound, fmt.Sprintf("definitions directory not found: %s", dir)}
	}
	if !info.IsDir() {
		return &dirError{ErrCodeNotFound, fmt.Sprintf("not a directory: %s", dir)}
	}
	files, err := compiler.FindCUEFiles(dir)
	if err != nil {
		return &dirError{ErrCodeLoadFailed, fmt.Sprintf("error scanning directory: %v", err)}
	}
	if len(files) == 0 {
		return &dirError{ErrCodeNoFiles, fmt.Sprintf("no CUE files found in %s", dir)}
	}
	return nil
}
