package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/ir"
)

// Reader loads a task's events in seq order.
type Reader interface {
	Events(ctx context.Context, taskID string) ([]ir.TransitionEvent, error)
}

// Ledger is an append-only transition log.
type Ledger interface {
	Reader

	// Record appends events. The batch is accepted or rejected as a whole.
	Record(ctx context.Context, events ...ir.TransitionEvent) error
}

// CheckAppend validates that events may follow a task whose newest
// recorded seq is lastSeq. Events must belong to one task, carry valid
// reason/event pairings and content ids, and continue the seq without gaps.
func CheckAppend(lastSeq int64, events []ir.TransitionEvent) error {
	if len(events) == 0 {
		return nil
	}
	taskID := events[0].TaskID
	want := lastSeq + 1
	for i, ev := range events {
		if ev.TaskID != taskID {
			return &ReplayError{
				Code:    ErrCodeMixedTasks,
				Seq:     ev.Seq,
				Message: fmt.Sprintf("event %d belongs to task %q, batch is for %q", i, ev.TaskID, taskID),
			}
		}
		if err := checkEvent(ev); err != nil {
			return err
		}
		if ev.Seq != want {
			return seqError(ev, want)
		}
		want++
	}
	return nil
}

// checkEvent validates a single event's pairing and content id.
func checkEvent(ev ir.TransitionEvent) error {
	if err := ev.CheckPairing(); err != nil {
		return &ReplayError{Code: ErrCodeBadPairing, Seq: ev.Seq, Message: err.Error(), Err: err}
	}
	id, err := ir.EventID(ev)
	if err != nil {
		return &ReplayError{Code: ErrCodeBadID, Seq: ev.Seq, Message: err.Error(), Err: err}
	}
	if ev.ID != id {
		return &ReplayError{
			Code:    ErrCodeBadID,
			Seq:     ev.Seq,
			Message: fmt.Sprintf("event id %q does not match content hash %q", ev.ID, id),
		}
	}
	return nil
}

func seqError(ev ir.TransitionEvent, want int64) *ReplayError {
	code := ErrCodeSeqGap
	if ev.Seq < want {
		code = ErrCodeDuplicate
	}
	return &ReplayError{
		Code:    code,
		Seq:     ev.Seq,
		Message: fmt.Sprintf("expected seq %d, got %d", want, ev.Seq),
	}
}

// Memory is an in-process Ledger.
//
// Thread-safety: Memory is safe for concurrent use via internal mutex.
type Memory struct {
	mu     sync.RWMutex
	byTask map[string][]ir.TransitionEvent
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{byTask: make(map[string][]ir.TransitionEvent)}
}

func (m *Memory) Record(_ context.Context, events ...ir.TransitionEvent) error {
	if len(events) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	taskID := events[0].TaskID
	existing := m.byTask[taskID]
	var last int64
	if n := len(existing); n > 0 {
		last = existing[n-1].Seq
	}
	if err := CheckAppend(last, events); err != nil {
		return fmt.Errorf("record task %s: %w", taskID, err)
	}
	m.byTask[taskID] = append(existing, events...)
	return nil
}

func (m *Memory) Events(_ context.Context, taskID string) ([]ir.TransitionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ir.TransitionEvent, len(m.byTask[taskID]))
	copy(out, m.byTask[taskID])
	return out, nil
}

// TaskIDs returns every task with at least one event, sorted.
func (m *Memory) TaskIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.byTask))
	for id := range m.byTask {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
