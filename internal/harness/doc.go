// Package harness runs factory definitions against scripted capabilities.
//
// A scenario names a CUE definition, scripts what each handler and selector
// returns, lists the ticks to drive and asserts on the resulting ledger and
// final task state. Every scenario runs through the real runner, engine and
// sqlite store with a fixed clock and sequential run/tick ids, so the ledger
// is byte-for-byte reproducible and can be compared against golden files.
//
// # Scenario Format
//
//	name: retry_then_publish
//	description: "Draft fails twice, then publishes"
//	definition: factories/publish.cue
//	factory: publish
//	task: { id: task-1, title: "Launch post" }
//	handlers:
//	  draft:
//	    - { status: failed, message: "rate limited" }
//	    - { status: done, data: { draft: "v2" } }
//	selectors:
//	  pick: [approve]
//	renderers:
//	  page: [title, draft]
//	ticks:
//	  - {}
//	  - { reply: "ship it" }
//	assertions:
//	  - type: trace_contains
//	    from: draft
//	    reason: attempt_failed
//	  - type: final_state
//	    lifecycle: done
//	    state: done
//
// A handler script is consumed in order; once exhausted its last entry
// repeats. Renderers publish the listed context keys as the page.
//
// # Assertion Types
//
//   - trace_contains: an event matching every given field exists
//   - trace_order: the listed states are entered in this order
//   - trace_count: exactly count events carry the given reason
//   - final_state: lifecycle, current state, context subset, last error
//   - replay: the ledger replays to the persisted state
//   - backoff: the engine slept exactly the listed milliseconds
package harness
