package monclock

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestAfterFuncFiresOnSchedule(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(clock)

	fired := make(chan struct{}, 1)
	s.AfterFunc(time.Second, func() { fired <- struct{}{} })

	clock.BlockUntil(1)
	clock.Advance(time.Second)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
}

func TestBumpInvalidatesPendingTimer(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(clock)

	fired := make(chan struct{}, 1)
	s.AfterFunc(time.Second, func() { fired <- struct{}{} })

	clock.BlockUntil(1)
	s.Bump()
	clock.Advance(time.Second)

	select {
	case <-fired:
		t.Fatal("callback fired after generation was bumped")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelStopsTimer(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(clock)

	fired := make(chan struct{}, 1)
	cancel := s.AfterFunc(time.Second, func() { fired <- struct{}{} })
	clock.BlockUntil(1)
	cancel()
	clock.Advance(time.Second)

	select {
	case <-fired:
		t.Fatal("callback fired after cancel")
	case <-time.After(50 * time.Millisecond):
	}
}
