// Package agent runs external processes as handlers and selectors.
//
// A definition references a process with an "exec:" name:
//
//	step: run: "exec:./agents/draft.sh --fast"
//
// The process receives the handler input as JSON on stdin. A handler
// writes a result object to stdout; a selector writes the event name.
// A non-zero exit is a failed attempt, unparseable stdout is malformed output.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	osexec "os/exec"
	"strings"
	"time"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/compiler"
	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/ir"
)

// Prefix marks a capability name as a process command line.
const Prefix = "exec:"

// waitDelay bounds how long a killed process may hold its output pipes open.
const waitDelay = time.Second

// maxStderr bounds the stderr excerpt carried into a failed result.
const maxStderr = 2048

// Runner executes a command with stdin and returns stdout and stderr separately.
type Runner interface {
	Run(ctx context.Context, dir string, stdin []byte, name string, args ...string) (stdout, stderr []byte, err error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, dir string, stdin []byte, name string, args ...string) ([]byte, []byte, error)

func (f RunnerFunc) Run(ctx context.Context, dir string, stdin []byte, name string, args ...string) ([]byte, []byte, error) {
	return f(ctx, dir, stdin, name, args...)
}

// OSRunner implements Runner using os/exec.
type OSRunner struct {
	// Env overrides environment variables (nil = inherit from parent)
	Env []string
}

func (r OSRunner) Run(ctx context.Context, dir string, stdin []byte, name string, args ...string) ([]byte, []byte, error) {
	cmd := osexec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.WaitDelay = waitDelay
	if r.Env != nil {
		cmd.Env = r.Env
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Resolver resolves "exec:" handler and selector names.
// It is meant to be added to a compiler.Registry with AddResolver.
type Resolver struct {
	runner  Runner
	timeout time.Duration
	dir     string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithRunner replaces the process runner.
func WithRunner(r Runner) Option {
	return func(res *Resolver) { res.runner = r }
}

// WithTimeout bounds every invocation. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(res *Resolver) { res.timeout = d }
}

// WithDir sets the working directory of spawned processes.
func WithDir(dir string) Option {
	return func(res *Resolver) { res.dir = dir }
}

// NewResolver creates a resolver backed by os/exec.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{runner: OSRunner{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ compiler.Resolver = (*Resolver)(nil)

func (r *Resolver) ResolveHandler(name string) (compiler.Handler, bool) {
	argv, ok := parseName(name)
	if !ok {
		return nil, false
	}
	return &handler{res: r, argv: argv}, true
}

func (r *Resolver) ResolveSelector(name string) (compiler.Selector, bool) {
	argv, ok := parseName(name)
	if !ok {
		return nil, false
	}
	return &selector{res: r, argv: argv}, true
}

func parseName(name string) ([]string, bool) {
	rest, ok := strings.CutPrefix(name, Prefix)
	if !ok {
		return nil, false
	}
	argv := strings.Fields(rest)
	return argv, len(argv) > 0
}

// result is the outcome of one process invocation.
type result struct {
	stdout   []byte
	stderr   []byte
	err      error
	timedOut bool
}

func (r *Resolver) invoke(ctx context.Context, argv []string, in ir.HandlerInput) (result, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return result{}, fmt.Errorf("marshal agent input: %w", err)
	}

	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	stdout, stderr, err := r.runner.Run(runCtx, r.dir, payload, argv[0], argv[1:]...)
	slog.Debug("agent finished",
		"command", argv[0],
		"state", in.StateID,
		"task_id", in.Task.ID,
		"duration", time.Since(start),
		"error", err,
	)

	// Cancellation of the tick propagates as-is.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result{}, ctxErr
	}
	res := result{stdout: stdout, stderr: stderr, err: err}
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.timedOut = true
	}
	return res, nil
}

// failure describes a process that did not exit cleanly.
func (r *Resolver) failure(argv []string, res result) string {
	if res.timedOut {
		return fmt.Sprintf("agent %s timed out after %s", argv[0], r.timeout)
	}
	msg := fmt.Sprintf("agent %s: %v", argv[0], res.err)
	if tail := excerpt(res.stderr); tail != "" {
		msg += ": " + tail
	}
	return msg
}

type handler struct {
	res  *Resolver
	argv []string
}

func (h *handler) Handle(ctx context.Context, in ir.HandlerInput) (ir.HandlerResult, error) {
	res, err := h.res.invoke(ctx, h.argv, in)
	if err != nil {
		return ir.HandlerResult{}, err
	}
	if res.err != nil {
		return ir.HandlerResult{Status: ir.StatusFailed, Message: h.res.failure(h.argv, res)}, nil
	}
	out, err := ir.DecodeHandlerResult(bytes.TrimSpace(res.stdout))
	if err != nil {
		return ir.HandlerResult{}, fmt.Errorf("agent %s: %w", h.argv[0], err)
	}
	return out, nil
}

type selector struct {
	res  *Resolver
	argv []string
}

// Select accepts a bare event name or a JSON string on stdout.
func (s *selector) Select(ctx context.Context, in ir.HandlerInput) (string, error) {
	in.Attempt = 0
	res, err := s.res.invoke(ctx, s.argv, in)
	if err != nil {
		return "", err
	}
	if res.err != nil {
		return "", fmt.Errorf("%s", s.res.failure(s.argv, res))
	}

	raw := bytes.TrimSpace(res.stdout)
	event := string(raw)
	if len(raw) > 0 && raw[0] == '"' {
		if err := json.Unmarshal(raw, &event); err != nil {
			return "", fmt.Errorf("%w: agent %s: %v", ir.ErrMalformedOutput, s.argv[0], err)
		}
	}
	event = strings.TrimSpace(event)
	if event == "" || strings.ContainsAny(event, "\n\r") {
		return "", fmt.Errorf("%w: agent %s: want a single event name, got %q", ir.ErrMalformedOutput, s.argv[0], event)
	}
	return event, nil
}

func excerpt(stderr []byte) string {
	s := strings.TrimSpace(string(stderr))
	if len(s) > maxStderr {
		s = "..." + s[len(s)-maxStderr:]
	}
	return s
}
