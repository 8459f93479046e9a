package engine

// DefaultBudget is the default number of transitions one Advance call may take.
const DefaultBudget = 32

// TransitionBudget counts routing transitions within one Advance call.
//
// Intra-state retry attempts and feedback resumptions do not count.
// When the budget is spent the engine yields with the task still running
// and the caller issues another tick.
type TransitionBudget struct {
	limit int
	used  int
}

// NewTransitionBudget creates a budget with the given limit.
// A limit below 1 is treated as 1 so every tick makes progress.
func NewTransitionBudget(limit int) *TransitionBudget {
	if limit < 1 {
		limit = 1
	}
	return &TransitionBudget{limit: limit}
}

// Use records one transition.
func (b *TransitionBudget) Use() {
	b.used++
}

// Spent reports whether no further transition is allowed this tick.
func (b *TransitionBudget) Spent() bool {
	return b.used >= b.limit
}

// Used returns the number of transitions taken.
func (b *TransitionBudget) Used() int {
	return b.used
}

// Limit returns the configured limit.
func (b *TransitionBudget) Limit() int {
	return b.limit
}
