// Package engine advances factory tasks through compiled state graphs.
//
// One Advance call runs a single task from its current state until the task
// suspends on a feedback state, reaches a terminal state, or spends the
// per-call transition budget. The engine holds no per-task state between
// calls: everything it needs to continue lives in ir.TaskState.
//
// ARCHITECTURE:
//
// Tick Flow:
//  1. Strict lease mode refuses to run without a valid lease.
//  2. A paused task with a reply available resumes at its resume target.
//  3. Each action, orchestrate or loop state produces exactly one routing
//     event. Failed attempts inside an action's retry window are recorded
//     as self-events and do not consume budget.
//  4. After every event, state and events are handed to the Checkpointer.
//  5. Arriving at a feedback state suspends; arriving at a terminal state
//     finalizes the lifecycle.
//
// CRITICAL PATTERNS:
//
// Logical Clock:
// Ledger events are stamped with a per-task seq resumed from
// TaskState.LastSeq. Replay order never depends on wall time.
//
// Deterministic Routing:
// Given the same handler results the engine emits the same event sequence.
// Retry delays come from the configured backoff only, so a FakeClock makes
// them observable in tests.
//
// Fatal Errors:
// Missing states, missing transitions and malformed handler output stop
// the task with lifecycle failed and return a *RuntimeError.
package engine
