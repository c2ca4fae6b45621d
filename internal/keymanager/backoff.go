// ABOUTME: Backoff sequence used while the per-minute free quota is exhausted.
// ABOUTME: Delays grow per step up to the last entry and Reset returns to the first.

package keymanager

import "time"

// DefaultBackoff is the wait sequence used when none is configured.
var DefaultBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 15 * time.Second}

// Backoff walks a fixed ascending sequence, capped at its last entry. Not
// safe for concurrent use.
type Backoff struct {
	steps []time.Duration
	index int
}

func NewBackoff(steps []time.Duration) *Backoff {
	if len(steps) == 0 {
		steps = DefaultBackoff
	}
	cp := make([]time.Duration, len(steps))
	copy(cp, steps)
	return &Backoff{steps: cp}
}

// Current returns the wait for the current index.
func (b *Backoff) Current() time.Duration { return b.steps[b.index] }

// Advance moves to the next step unless already at the last one.
func (b *Backoff) Advance() {
	if b.index < len(b.steps)-1 {
		b.index++
	}
}

func (b *Backoff) Reset() { b.index = 0 }

func (b *Backoff) Index() int { return b.index }
