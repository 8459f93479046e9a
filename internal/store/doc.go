// Package store provides SQLite-backed durable storage for factory tasks.
//
// The store holds:
//   - Tasks: persisted execution state, one row per task, plus its lease
//   - Transitions: the append-only ledger, UNIQUE(task_id, seq)
//   - Feedback replies: an inbox consumed at most once, by tick id
//
// # Critical Patterns
//
// Atomic Checkpoint:
//   - Checkpoint writes new transitions and the task row in one transaction
//   - state id, context, bookkeeping and lifecycle never drift from the ledger
//
// Optimistic Commit:
//   - Checkpoint compares the stored last_seq with the caller's base seq
//   - a mismatch returns *ConflictError and writes nothing
//
// Deterministic Query Results:
//   - Ledger reads use ORDER BY seq ASC
//   - Task listings use ORDER BY task_id
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Context maps are stored as canonical JSON (ir.MarshalCanonical) so two
// equal contexts always produce byte-identical rows.
package store
