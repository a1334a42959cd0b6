// Package monclock wraps clockwork.Clock with the tagged-event scheduling
// idiom described in the monitor's design notes: a scheduled callback
// carries the generation it was scheduled in and is a no-op if that
// generation has since moved on, replacing manual timer-cancel bookkeeping.
package monclock

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Generation is a monotonically increasing tag. Schedulers bump it whenever
// prior outstanding timers should be considered stale (a new election, a
// new sync session, a state reset).
type Generation uint64

// Scheduler schedules generation-tagged callbacks on top of a clockwork.Clock.
type Scheduler struct {
	clock clockwork.Clock

	mu  sync.Mutex
	gen Generation
}

// New returns a Scheduler. Pass clockwork.NewRealClock() in production and
// clockwork.NewFakeClock() in tests.
func New(clock clockwork.Clock) *Scheduler {
	return &Scheduler{clock: clock}
}

// Clock exposes the underlying clock, e.g. for Now().
func (s *Scheduler) Clock() clockwork.Clock { return s.clock }

// Bump invalidates every timer scheduled before this call and returns the
// new generation. Call this on election start, sync-session start, or any
// other event that should cancel all outstanding timeouts for this peer.
func (s *Scheduler) Bump() Generation {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	return s.gen
}

// Current returns the current generation without bumping it.
func (s *Scheduler) Current() Generation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// AfterFunc runs fn after d, unless the scheduler's generation has moved
// past the generation captured when AfterFunc was called. The returned
// Cancel function stops the underlying timer outright.
func (s *Scheduler) AfterFunc(d time.Duration, fn func()) (cancel func()) {
	gen := s.Current()
	timer := s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		stale := gen != s.gen
		s.mu.Unlock()
		if stale {
			return
		}
		fn()
	})
	return func() { timer.Stop() }
}
