// Package backoff provides capped exponential backoff with jitter for
// retry loops (registration, status-channel reconnects).
package backoff

import (
	"math/rand/v2"
	"time"
)

// Backoff computes capped exponential delays with jitter. Jitter prevents
// thundering herd when many clients reconnect simultaneously.
// The zero value is not usable; construct with New.
type Backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

// New creates a Backoff starting at base and capped at max.
func New(base, max time.Duration) *Backoff {
	return &Backoff{baseDelay: base, maxDelay: max}
}

// Next returns the delay for the current attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	d := b.Current()
	b.attempt++
	return d
}

// Current returns the delay for the current attempt without advancing.
func (b *Backoff) Current() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	// Add ±20% jitter.
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.baseDelay
	}
	return d
}

// Attempt returns the number of completed attempts.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset clears the attempt counter after a success.
func (b *Backoff) Reset() {
	b.attempt = 0
}
