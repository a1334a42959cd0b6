// Package probe implements the monitor's bootstrap state (spec.md §4.3):
// periodic multicast probing of every peer in the monmap (plus configured
// hints), fsid/feature compatibility checks on receipt, and the
// quorum-formation decision that hands control to either internal/elector
// or internal/slurp once a probe_timeout window closes.
//
// Grounded on Monitor.h's probe_timeout/handle_probe* state-transition shape
// (original_source) and etcdserver/server.go's NewServer cold-start-vs-restart
// constructor idiom.
package probe

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyc/ceph/internal/backoff"
	"github.com/hyc/ceph/internal/monerr"
	"github.com/hyc/ceph/internal/montrait"
	"github.com/hyc/ceph/internal/wire"
)

// QuorumStatusFunc reports whether the local peer currently believes it is
// in a formed quorum, and if so, who leads it.
type QuorumStatusFunc func() (inQuorum bool, leaderRank int, quorum []int)

// LastCommittedFunc returns the local per-service last_committed map, used
// to decide whether a reporting peer is far enough ahead to warrant sync.
type LastCommittedFunc func() map[string]uint64

// Callbacks are invoked once probing concludes a round.
type Callbacks struct {
	// OnElect is called when probing decides to hand off to the elector.
	OnElect func()
	// OnSync is called when probing decides a sync is needed, naming the
	// provider peer's rank and wire address.
	OnSync func(providerRank int, providerAddr string)
}

const (
	minBackoff = 250 * time.Millisecond
	maxBackoff = 30 * time.Second
)

// Probe drives one monitor's Probing state.
type Probe struct {
	lg    *zap.Logger
	trait montrait.Trait

	probeTimeout time.Duration
	tSlurp       uint64

	quorumStatus  QuorumStatusFunc
	lastCommitted LastCommittedFunc
	cb            Callbacks

	mu            sync.Mutex
	hasEverJoined bool
	extraHints    []string
	replies       map[int]wire.ProbeReplyPayload
	backoff       *backoff.Backoff
	cancelTimeout func()
	active        bool
}

// New builds a Probe bound to trait. hasEverJoined seeds spec.md §4.3's
// has_ever_joined field (persisted by the caller across restarts).
func New(lg *zap.Logger, trait montrait.Trait, probeTimeout time.Duration, tSlurp uint64, hasEverJoined bool, qs QuorumStatusFunc, lc LastCommittedFunc, cb Callbacks) *Probe {
	return &Probe{
		lg:            lg,
		trait:         trait,
		probeTimeout:  probeTimeout,
		tSlurp:        tSlurp,
		hasEverJoined: hasEverJoined,
		quorumStatus:  qs,
		lastCommitted: lc,
		cb:            cb,
		replies:       map[int]wire.ProbeReplyPayload{},
		backoff:       backoff.New(minBackoff, maxBackoff),
	}
}

// AddBootstrapHint records an extra address to probe beyond the monmap.
// The admin surface's add_bootstrap_peer_hint command does not call it; it
// only records the address in the router's own hint list.
func (p *Probe) AddBootstrapHint(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.extraHints {
		if h == addr {
			return
		}
	}
	p.extraHints = append(p.extraHints, addr)
}

// Start (re)enters Probing: clears prior replies and broadcasts a fresh
// Probe to the monmap and any hints, arming the probe_timeout window.
func (p *Probe) Start() {
	p.mu.Lock()
	if p.cancelTimeout != nil {
		p.cancelTimeout()
	}
	p.replies = map[int]wire.ProbeReplyPayload{}
	p.active = true
	mm := p.trait.Monmap()
	payload := wire.ProbePayload{
		Fsid:          p.trait.Fsid().String(),
		Name:          p.trait.Name(),
		Features:      mm.Features,
		MonmapEpoch:   mm.Epoch,
		HasEverJoined: p.hasEverJoined,
		LastCommitted: p.lastCommitted(),
	}
	hints := append([]string(nil), p.extraHints...)
	p.mu.Unlock()

	p.trait.Broadcast(wire.TypeProbe, payload)
	for _, addr := range hints {
		p.trait.SendAddr(addr, wire.TypeProbe, payload)
	}

	p.mu.Lock()
	p.cancelTimeout = p.trait.Schedule(p.probeTimeout, p.onTimeout)
	p.mu.Unlock()

	p.lg.Debug("probe round started", zap.Int("hints", len(hints)))
}

// HandleProbe answers an inbound Probe per spec.md §4.3. A peer must share
// this monitor's fsid and its exact required feature bitset before it is
// admitted to quorum formation; either mismatch is rejected before the
// quorum-status/probing checks run.
func (p *Probe) HandleProbe(from string, in wire.ProbePayload) wire.ProbeReplyPayload {
	if in.Fsid != p.trait.Fsid().String() {
		p.lg.Warn("probe fsid mismatch", zap.String("from", from), zap.String("their_fsid", in.Fsid))
		return wire.ProbeReplyPayload{FsidMismatch: true}
	}
	mm := p.trait.Monmap()
	if in.Features != mm.Features {
		p.lg.Warn("probe feature incompatible", zap.Error(monerr.ErrFeatureIncompatible),
			zap.String("from", from), zap.Uint64("their_features", in.Features), zap.Uint64("required_features", mm.Features))
		return wire.ProbeReplyPayload{FeatureMismatch: true}
	}

	inQuorum, leader, quorum := p.quorumStatus()
	if inQuorum {
		return wire.ProbeReplyPayload{
			InQuorum:      true,
			Leader:        leader,
			Quorum:        quorum,
			MonmapEpoch:   mm.Epoch,
			LastCommitted: p.lastCommitted(),
		}
	}

	p.mu.Lock()
	active := p.active
	p.mu.Unlock()
	if active {
		own := wire.ProbePayload{
			Fsid:          p.trait.Fsid().String(),
			Name:          p.trait.Name(),
			Features:      mm.Features,
			MonmapEpoch:   mm.Epoch,
			HasEverJoined: p.hasEverJoined,
			LastCommitted: p.lastCommitted(),
		}
		return wire.ProbeReplyPayload{Probing: true, Probe: &own, MonmapEpoch: mm.Epoch}
	}
	return wire.ProbeReplyPayload{MonmapEpoch: mm.Epoch, LastCommitted: p.lastCommitted()}
}

// HandleProbeReply records one peer's reply for the in-flight round.
func (p *Probe) HandleProbeReply(fromRank int, reply wire.ProbeReplyPayload) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return
	}
	if reply.FsidMismatch {
		p.lg.Warn("peer reported fsid mismatch", zap.Int("rank", fromRank))
		return
	}
	if reply.FeatureMismatch {
		p.lg.Warn("peer reported feature incompatible", zap.Error(monerr.ErrFeatureIncompatible), zap.Int("rank", fromRank))
		return
	}
	p.replies[fromRank] = reply
}

// onTimeout evaluates the collected replies against spec.md §4.3's
// quorum-formation rules and either hands off to the elector, to sync, or
// resets with exponential backoff.
func (p *Probe) onTimeout() {
	p.mu.Lock()
	replies := p.replies
	p.active = false
	majority := p.trait.Monmap().Majority()
	mine := p.lastCommitted()
	p.mu.Unlock()

	heard := len(replies) + 1 // self counts
	if heard < majority {
		p.lg.Info("probe round inconclusive, backing off", zap.Int("heard", heard), zap.Int("majority", majority))
		p.scheduleRetry()
		return
	}

	for rank, r := range replies {
		if !r.InQuorum {
			continue
		}
		for svc, theirs := range r.LastCommitted {
			if theirs > mine[svc]+p.tSlurp {
				addr := p.trait.Monmap().AddrOf(rank)
				var providerAddr string
				if len(addr) > 0 {
					providerAddr = addr[0]
				}
				p.lg.Info("probe decided to sync", zap.Int("provider_rank", rank), zap.String("service", svc))
				p.resetBackoff()
				p.cb.OnSync(rank, providerAddr)
				return
			}
		}
	}

	p.lg.Info("probe decided to elect")
	p.resetBackoff()
	p.cb.OnElect()
}

func (p *Probe) scheduleRetry() {
	p.mu.Lock()
	d := p.backoff.Next()
	p.mu.Unlock()
	p.trait.Schedule(d, p.Start)
}

func (p *Probe) resetBackoff() {
	p.mu.Lock()
	p.backoff.Reset()
	p.mu.Unlock()
}

// MarkJoined records that this peer has, at least once, been part of a
// formed quorum — persisted by the caller via monstore under the
// bookkeeping prefix, per SPEC_FULL.md §12's has_ever_joined supplement.
func (p *Probe) MarkJoined() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hasEverJoined = true
}
