// Package elector implements the monitor's rank-biased, epoch-numbered
// ballot (spec.md §4.4): starting an election bumps election_epoch to the
// next odd value and broadcasts Propose to every peer; the lowest rank
// among undisputed proposals wins and broadcasts Victory at epoch+1 (even).
//
// Grounded on Monitor.h's friend class Elector win_election/lose_election
// contract (original_source) for semantics, and etcdserver/raft.go's
// Ready()-driven small explicit message-handler dispatch for Go idiom.
package elector

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyc/ceph/internal/montrait"
	"github.com/hyc/ceph/internal/wire"
)

// Callbacks fire on election outcomes.
type Callbacks struct {
	// OnVictory fires for the winner, once it declares victory.
	OnVictory func(epoch uint64, quorum []int)
	// OnDefeat fires for every other participant once it learns the
	// winner, transitioning it to Peon.
	OnDefeat func(epoch uint64, leaderRank int, quorum []int)
	// OnReset fires when a disputed election makes no progress for
	// election_timeout*resetMultiplier, per spec.md §4.4's failure
	// semantics; the caller re-enters Probing.
	OnReset func(reason string)
}

const resetMultiplier = 4

// Elector drives one monitor's participation in a single election round. A
// new Elector (or Reset) is created per round; internal/mon owns the
// decision of when to start one (from Probe's OnElect callback or from a
// lease timeout while Peon).
type Elector struct {
	lg    *zap.Logger
	trait montrait.Trait
	cb    Callbacks

	electionTimeout time.Duration

	mu              sync.Mutex
	epoch           uint64
	candidateRank   int
	acked           map[int]bool // ranks that have replied/agreed this epoch
	cancelTimeout   func()
	cancelReset     func()
	concluded       bool
	roundsNoProgress int
}

// New starts a fresh election: epoch is bumped to the next odd value above
// lastEpoch and Propose is broadcast immediately, per spec.md §4.4.
// A single-peer monmap shortcuts directly to Victory.
func New(lg *zap.Logger, trait montrait.Trait, electionTimeout time.Duration, lastEpoch uint64, cb Callbacks) *Elector {
	e := &Elector{
		lg:              lg,
		trait:           trait,
		cb:              cb,
		electionTimeout: electionTimeout,
		epoch:           nextOdd(lastEpoch),
		candidateRank:   trait.Rank(),
		acked:           map[int]bool{},
	}

	mm := trait.Monmap()
	if mm.Size() == 1 {
		e.declareVictory([]int{trait.Rank()})
		return e
	}

	e.broadcastPropose()
	e.armTimeout()
	return e
}

func nextOdd(epoch uint64) uint64 {
	n := epoch + 1
	if n%2 == 0 {
		n++
	}
	return n
}

func (e *Elector) broadcastPropose() {
	e.trait.Broadcast(wire.TypePropose, wire.ProposePayload{
		Epoch: e.epoch,
		Rank:  e.candidateRank,
	})
}

func (e *Elector) armTimeout() {
	e.cancelTimeout = e.trait.Schedule(e.electionTimeout, e.onTimeout)
}

// HandlePropose applies spec.md §4.4's receipt rules for Propose(e, r, f).
func (e *Elector) HandlePropose(fromRank int, in wire.ProposePayload) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.concluded {
		return
	}

	switch {
	case in.Epoch > e.epoch:
		e.epoch = in.Epoch
		e.acked = map[int]bool{}
		// A new epoch discards any tie-break candidate recorded for a
		// prior epoch; the comparison and counter-proposal are always
		// against this peer's own rank, per spec.md §4.4.
		e.candidateRank = e.trait.Rank()
		if in.Rank <= e.candidateRank {
			e.candidateRank = in.Rank
			e.acked[fromRank] = true
		} else {
			e.mu.Unlock()
			e.trait.Broadcast(wire.TypePropose, wire.ProposePayload{Epoch: e.epoch, Rank: e.candidateRank})
			e.mu.Lock()
		}
		e.restartTimeoutLocked()
	case in.Epoch == e.epoch:
		if in.Rank < e.candidateRank {
			e.candidateRank = in.Rank
		}
		e.acked[fromRank] = true
	default:
		// stale epoch, discarded per spec.md §4.4.
	}
}

// restartTimeoutLocked requires e.mu to already be held.
func (e *Elector) restartTimeoutLocked() {
	if e.cancelTimeout != nil {
		e.cancelTimeout()
	}
	e.cancelTimeout = e.trait.Schedule(e.electionTimeout, e.onTimeout)
}

// restartTimeout acquires e.mu itself.
func (e *Elector) restartTimeout() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.restartTimeoutLocked()
}

// HandleVictory records another peer's declared victory; the monitor glue
// is expected to retire this Elector once called, transitioning to Peon.
func (e *Elector) HandleVictory(in wire.VictoryPayload) {
	e.mu.Lock()
	if e.concluded {
		e.mu.Unlock()
		return
	}
	e.concluded = true
	if e.cancelTimeout != nil {
		e.cancelTimeout()
	}
	e.mu.Unlock()

	e.cb.OnDefeat(in.Epoch, in.Leader, in.Quorum)
}

// onTimeout fires when no counter-proposal arrived within election_timeout.
func (e *Elector) onTimeout() {
	e.mu.Lock()
	if e.concluded {
		e.mu.Unlock()
		return
	}
	iAmCandidate := e.candidateRank == e.trait.Rank()
	epoch := e.epoch
	quorum := make([]int, 0, len(e.acked)+1)
	quorum = append(quorum, e.trait.Rank())
	for r := range e.acked {
		quorum = append(quorum, r)
	}
	e.mu.Unlock()

	if !iAmCandidate {
		e.mu.Lock()
		e.roundsNoProgress++
		noProgress := e.roundsNoProgress >= resetMultiplier
		e.mu.Unlock()
		if noProgress {
			e.conclude()
			e.cb.OnReset("disputed election made no progress")
			return
		}
		e.restartTimeout()
		return
	}

	e.declareVictory(quorum)
	_ = epoch
}

func (e *Elector) declareVictory(quorum []int) {
	e.mu.Lock()
	if e.concluded {
		e.mu.Unlock()
		return
	}
	e.concluded = true
	victoryEpoch := e.epoch + 1
	if e.cancelTimeout != nil {
		e.cancelTimeout()
	}
	e.mu.Unlock()

	e.trait.Broadcast(wire.TypeVictory, wire.VictoryPayload{
		Epoch:  victoryEpoch,
		Quorum: quorum,
		Leader: e.trait.Rank(),
	})
	e.cb.OnVictory(victoryEpoch, quorum)
}

func (e *Elector) conclude() {
	e.mu.Lock()
	e.concluded = true
	if e.cancelTimeout != nil {
		e.cancelTimeout()
	}
	e.mu.Unlock()
}

// Epoch returns the election epoch this round is contesting.
func (e *Elector) Epoch() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epoch
}
