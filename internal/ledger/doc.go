// Package ledger records transition events and replays them.
//
// A task's ledger is append-only. Events carry a per-task seq that must grow
// by exactly one per entry and a content-hash id; both are checked on
// Record and again on Replay, so duplicated or lost transitions surface as
// errors rather than as a silently different final state.
//
// Replay walks a task's events in seq order, tracking a cursor that starts
// at the first event's From state. Each event must leave from the cursor,
// with one exception: the event following a feedback_pause may leave from
// any state, because resuming a paused task jumps to the resume target
// without emitting an event. The cursor after the last event is the state
// the engine must have persisted.
package ledger
