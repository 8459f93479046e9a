package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/ir"
)

// ErrNoEvents is returned by Replay for an empty event list.
var ErrNoEvents = errors.New("ledger: no events to replay")

// ReplayErrorCode categorizes replay failures.
type ReplayErrorCode string

const (
	ErrCodeMismatch   ReplayErrorCode = "MISMATCH"
	ErrCodeSeqGap     ReplayErrorCode = "SEQ_GAP"
	ErrCodeDuplicate  ReplayErrorCode = "DUPLICATE"
	ErrCodeBadPairing ReplayErrorCode = "BAD_PAIRING"
	ErrCodeBadID      ReplayErrorCode = "BAD_ID"
	ErrCodeMixedTasks ReplayErrorCode = "MIXED_TASKS"
	ErrCodeDiverged   ReplayErrorCode = "DIVERGED"
)

// ReplayError reports where a ledger stops being a valid history.
type ReplayError struct {
	Code ReplayErrorCode

	// Seq of the offending event, zero when not tied to one.
	Seq int64

	Message string
	Err     error
}

func (e *ReplayError) Error() string {
	if e.Seq > 0 {
		return fmt.Sprintf("%s at seq %d: %s", e.Code, e.Seq, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ReplayError) Unwrap() error {
	return e.Err
}

// IsReplayError returns true if err is a *ReplayError.
func IsReplayError(err error) bool {
	var re *ReplayError
	return errors.As(err, &re)
}

// Replay reconstructs a task's current state id from its events.
//
// Events are ordered by seq before walking. Replay fails on mixed tasks,
// duplicate or missing seqs, broken reason/event pairings, tampered ids,
// and any From that neither matches the cursor nor follows a feedback pause.
func Replay(events []ir.TransitionEvent) (string, error) {
	if len(events) == 0 {
		return "", ErrNoEvents
	}
	sorted := make([]ir.TransitionEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	if err := CheckAppend(sorted[0].Seq-1, sorted); err != nil {
		return "", err
	}

	current := sorted[0].From
	for i, ev := range sorted {
		if ev.From != current {
			if i == 0 || sorted[i-1].Reason != ir.ReasonFeedbackPause {
				return "", &ReplayError{
					Code:    ErrCodeMismatch,
					Seq:     ev.Seq,
					Message: fmt.Sprintf("event leaves %q but cursor is at %q", ev.From, current),
				}
			}
		}
		current = ev.To
	}
	return current, nil
}

// Verify replays events and checks them against the persisted task.
//
// The newest event must carry the task's LastSeq. For tasks at rest on a
// terminal or feedback state the replayed cursor must equal CurrentStateID.
// A task failed by a runtime error may sit one resume jump past the cursor
// when its last event paused it.
func Verify(task *ir.TaskState, events []ir.TransitionEvent) error {
	if len(events) == 0 {
		if task.LastSeq != 0 {
			return &ReplayError{
				Code:    ErrCodeDiverged,
				Message: fmt.Sprintf("task %s records seq %d but the ledger is empty", task.TaskID, task.LastSeq),
			}
		}
		return nil
	}

	final, err := Replay(events)
	if err != nil {
		return fmt.Errorf("verify task %s: %w", task.TaskID, err)
	}

	last := maxSeq(events)
	if last.Seq != task.LastSeq {
		return &ReplayError{
			Code:    ErrCodeDiverged,
			Seq:     last.Seq,
			Message: fmt.Sprintf("task %s records seq %d, ledger ends at %d", task.TaskID, task.LastSeq, last.Seq),
		}
	}

	switch task.Lifecycle {
	case ir.LifecycleDone, ir.LifecycleBlocked, ir.LifecycleFeedback:
	case ir.LifecycleFailed:
		if last.Reason == ir.ReasonFeedbackPause && final != task.CurrentStateID {
			return nil
		}
	default:
		return nil
	}
	if final != task.CurrentStateID {
		return &ReplayError{
			Code:    ErrCodeDiverged,
			Seq:     last.Seq,
			Message: fmt.Sprintf("replay ends at %q, task %s is at %q", final, task.TaskID, task.CurrentStateID),
		}
	}
	return nil
}

// VerifyTask loads a task's events from r and verifies them.
func VerifyTask(ctx context.Context, r Reader, task *ir.TaskState) error {
	events, err := r.Events(ctx, task.TaskID)
	if err != nil {
		return fmt.Errorf("load events for %s: %w", task.TaskID, err)
	}
	return Verify(task, events)
}

func maxSeq(events []ir.TransitionEvent) ir.TransitionEvent {
	last := events[0]
	for _, ev := range events[1:] {
		if ev.Seq > last.Seq {
			last = ev
		}
	}
	return last
}
