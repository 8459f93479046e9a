package engine

import (
	"errors"
	"fmt"
)

// ErrLeaseRequired is returned by Advance in strict lease mode when the
// caller does not hold a currently valid lease. The task is left untouched.
var ErrLeaseRequired = errors.New("engine: valid lease required in strict mode")

// RuntimeError represents a fatal run error detected during Advance.
//
// Runtime errors include:
//   - Missing state: current state id names no state in the graph
//   - Missing transition: routed event has no target
//   - Malformed output: handler or selector broke its contract
//   - Orchestrate unconfigured: neither handler nor selector bound
//   - Invalid state: persisted bookkeeping cannot be interpreted
//
// A RuntimeError always marks the task failed with Message as last error.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// TaskID identifies the affected task.
	TaskID string

	// StateID identifies the state being executed.
	StateID string

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	ErrCodeMissingState            RuntimeErrorCode = "MISSING_STATE"
	ErrCodeMissingTransition       RuntimeErrorCode = "MISSING_TRANSITION"
	ErrCodeMalformedOutput         RuntimeErrorCode = "MALFORMED_OUTPUT"
	ErrCodeOrchestrateUnconfigured RuntimeErrorCode = "ORCHESTRATE_UNCONFIGURED"
	ErrCodeInvalidState            RuntimeErrorCode = "INVALID_STATE"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.TaskID != "" && e.StateID != "" {
		return fmt.Sprintf("%s: %s (task=%s, state=%s)", e.Code, e.Message, e.TaskID, e.StateID)
	}
	if e.TaskID != "" {
		return fmt.Sprintf("%s: %s (task=%s)", e.Code, e.Message, e.TaskID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// IsRuntimeError returns true if err is any fatal run error.
// Uses errors.As to handle wrapped errors.
func IsRuntimeError(err error) bool {
	var re *RuntimeError
	return errors.As(err, &re)
}

// CodeOf returns the runtime error code carried by err, or "" if none.
func CodeOf(err error) RuntimeErrorCode {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// IsMissingTransition returns true if the error is a missing transition target.
func IsMissingTransition(err error) bool {
	return CodeOf(err) == ErrCodeMissingTransition
}

// IsMalformedOutput returns true if a handler or selector broke its contract.
func IsMalformedOutput(err error) bool {
	return CodeOf(err) == ErrCodeMalformedOutput
}

func missingState(taskID, stateID string) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeMissingState,
		Message: fmt.Sprintf("state %q does not exist in graph", stateID),
		TaskID:  taskID,
		StateID: stateID,
	}
}

func missingTransition(taskID, stateID, event string) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeMissingTransition,
		Message: fmt.Sprintf("state %q has no transition for event %q", stateID, event),
		TaskID:  taskID,
		StateID: stateID,
		Details: map[string]string{"event": event},
	}
}

func malformedOutput(taskID, stateID string, err error) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeMalformedOutput,
		Message: err.Error(),
		TaskID:  taskID,
		StateID: stateID,
		Err:     err,
	}
}

func orchestrateUnconfigured(taskID, stateID string) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeOrchestrateUnconfigured,
		Message: fmt.Sprintf("orchestrate state %q has neither handler nor selector", stateID),
		TaskID:  taskID,
		StateID: stateID,
	}
}

func invalidState(taskID, stateID, msg string) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeInvalidState,
		Message: msg,
		TaskID:  taskID,
		StateID: stateID,
	}
}
