// Package runner is the caller of the engine.
//
// A tick for one task:
//
//  1. Load the persisted task and resolve its compiled graph by workflow id
//  2. Acquire the task lease and keep it alive with heartbeats
//  3. Pull the oldest unconsumed feedback reply for paused tasks
//  4. Advance the task with the store as checkpointer
//  5. Mark the reply consumed, replay the ledger, relay lifecycle changes
//
// TickAll fans ticks for every runnable task out over a bounded worker pool.
// Run repeats TickAll on an interval until the context is cancelled.
package runner
