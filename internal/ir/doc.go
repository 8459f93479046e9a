// Package ir provides the canonical intermediate representation for factory graphs.
//
// This package contains type definitions only. All other internal packages
// import ir; ir imports nothing internal. This keeps the IR the foundational
// layer with no circular dependencies.
//
// Key design constraints:
//   - States are a tagged union: exactly one kind payload is set per State
//   - Required transitions are struct fields, never implicit map keys
//   - Engine bookkeeping (attempts, loop iterations) lives beside, never inside, the user context
//   - Ledger ordering uses the per-task seq counter, never wall-clock timestamps
//   - All JSON tags use snake_case
package ir
