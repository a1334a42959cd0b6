// Package backoff implements the exponential-backoff-capped-at-a-ceiling
// retry policy spec.md §4.3 asks for ("it resets and probes again with
// exponential backoff capped at a ceiling") and reuses it for C6's
// Busy/NetworkUnreachable retry policy (spec.md §7).
//
// Grounded on server/go.mod's direct dependency on golang.org/x/time/rate:
// each Backoff holds a rate.Limiter set to one token per min interval.
// Next takes a token from it but discards the result, so the limiter
// neither changes the returned delay nor makes Next block or wait.
package backoff

import (
	"time"

	"golang.org/x/time/rate"
)

// Backoff produces a sequence of doubling delays bounded by [min, max].
type Backoff struct {
	min, max, cur time.Duration
	limiter       *rate.Limiter
}

// New returns a Backoff starting at min and doubling up to max.
func New(min, max time.Duration) *Backoff {
	return &Backoff{
		min:     min,
		max:     max,
		cur:     min,
		limiter: rate.NewLimiter(rate.Every(min), 1),
	}
}

// Next returns the next delay and advances the internal doubling counter.
// It also takes one token from the limiter and ignores whether one was
// available, so calling Next faster than the returned delays is not
// throttled.
func (b *Backoff) Next() time.Duration {
	_ = b.limiter.Allow()
	d := b.cur
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	return d
}

// Reset returns the sequence to min, e.g. after a successful round.
func (b *Backoff) Reset() { b.cur = b.min }
