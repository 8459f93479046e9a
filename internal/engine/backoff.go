package engine

import (
	"math"
	"time"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/ir"
)

// maxDelayMs keeps the delay representable as a time.Duration.
const maxDelayMs = math.MaxInt64 / int64(time.Millisecond)

// Delay returns the wait before the retry that follows failed attempt k (k >= 1).
//
//	fixed:       base
//	exponential: min(base * 2^(k-1), cap), uncapped when cap is zero
//
// A nil backoff means retry immediately.
func Delay(b *ir.Backoff, k int) time.Duration {
	if b == nil || k < 1 || b.BaseMs <= 0 {
		return 0
	}
	ms := b.BaseMs
	if b.Strategy == ir.BackoffExponential {
		for i := 1; i < k; i++ {
			if b.CapMs > 0 && ms >= b.CapMs {
				break
			}
			if ms > maxDelayMs/2 {
				ms = maxDelayMs
				break
			}
			ms *= 2
		}
	}
	if b.CapMs > 0 && ms > b.CapMs {
		ms = b.CapMs
	}
	return time.Duration(ms) * time.Millisecond
}
