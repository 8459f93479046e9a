package ir

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Status is the outcome reported by an action handler.
type Status string

const (
	StatusDone     Status = "done"
	StatusFeedback Status = "feedback"
	StatusFailed   Status = "failed"
)

// ValidStatuses defines allowed handler statuses.
var ValidStatuses = map[Status]bool{
	StatusDone:     true,
	StatusFeedback: true,
	StatusFailed:   true,
}

// ErrMalformedOutput marks a handler or selector result that breaks its contract.
// The engine treats it as a fatal run error, never as a retryable failure.
var ErrMalformedOutput = errors.New("malformed handler output")

// HandlerInput is passed to every handler and selector invocation.
// Selectors receive the same shape with Attempt left at zero.
type HandlerInput struct {
	Context map[string]any `json:"context"`
	Task    TaskMeta       `json:"task"`
	StateID string         `json:"state_id"`
	RunID   string         `json:"run_id"`
	TickID  string         `json:"tick_id"`
	Attempt int            `json:"attempt,omitempty"`

	// Reply is the explicit per-tick feedback reply, if the caller supplied one.
	// It takes precedence over Context[ReplyKey].
	Reply *string `json:"reply,omitempty"`
}

// HandlerResult is the contract output of an action handler.
type HandlerResult struct {
	Status  Status         `json:"status"`
	Data    map[string]any `json:"data,omitempty"`
	Message string         `json:"message,omitempty"`

	// Route overrides Status as the routing event when an orchestrate
	// state runs a handler.
	Route string `json:"route,omitempty"`
}

// Check validates the result against the handler contract.
func (r HandlerResult) Check() error {
	if r.Status == "" {
		return fmt.Errorf("%w: missing status", ErrMalformedOutput)
	}
	if !ValidStatuses[r.Status] {
		return fmt.Errorf("%w: invalid status %q", ErrMalformedOutput, r.Status)
	}
	return nil
}

// DecodeHandlerResult parses raw JSON into a HandlerResult, rejecting
// non-object payloads and missing or unknown statuses.
func DecodeHandlerResult(data []byte) (HandlerResult, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return HandlerResult{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return HandlerResult{}, fmt.Errorf("%w: result is %T, want object", ErrMalformedOutput, raw)
	}
	if d, present := obj["data"]; present && d != nil {
		if _, ok := d.(map[string]any); !ok {
			return HandlerResult{}, fmt.Errorf("%w: data is %T, want object", ErrMalformedOutput, d)
		}
	}

	var res HandlerResult
	if err := json.Unmarshal(data, &res); err != nil {
		return HandlerResult{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if err := res.Check(); err != nil {
		return HandlerResult{}, err
	}
	return res, nil
}

// ApplyPatch merges a shallow context patch into ctx in place.
// A nil patch value deletes the key.
func ApplyPatch(ctx map[string]any, patch map[string]any) {
	for k, v := range patch {
		if v == nil {
			delete(ctx, k)
			continue
		}
		ctx[k] = v
	}
}
