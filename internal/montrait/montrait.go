// Package montrait defines the small trait the monitor's event loop exposes
// to its state-machine components (probe, elector, paxos, slurp, router), per
// Design Notes §9: "the monitor exposes a small trait {broadcast, send,
// schedule, store} consumed by elector, paxos, and sync; services register
// with the monitor and receive commit callbacks through a callback object."
// Defining it in its own package (rather than on internal/mon.Monitor
// directly) lets every consumer import the contract without importing the
// event loop that implements it, mirroring the teacher's own
// etcdserver/api split between interfaces and the server that satisfies them.
package montrait

import (
	"time"

	"github.com/google/uuid"

	"github.com/hyc/ceph/internal/monmap"
	"github.com/hyc/ceph/internal/monstore"
	"github.com/hyc/ceph/internal/wire"
)

// Trait is the event-loop-owned contract every core component is built
// against. All methods are safe to call only from the event-loop goroutine,
// except where noted; sends/broadcasts hand off to the transport's own
// worker goroutines and never block the caller.
type Trait interface {
	// Broadcast enqueues typ/payload to every peer in the current monmap
	// except self.
	Broadcast(typ wire.Type, payload any)
	// Send enqueues typ/payload to the single peer at rank.
	Send(rank int, typ wire.Type, payload any)
	// SendAddr enqueues typ/payload directly to addr, bypassing monmap rank
	// lookup. Used for bootstrap hints, which by definition are not (or not
	// yet) part of the monmap.
	SendAddr(addr string, typ wire.Type, payload any)
	// Schedule arms a one-shot, generation-tagged timer; the returned
	// cancel func is idempotent. Per Design Notes §9, the callback no-ops
	// if a Bump() (state change) occurred since scheduling.
	Schedule(d time.Duration, fn func()) (cancel func())
	// Bump invalidates every timer scheduled before this call; used on
	// state transitions (e.g. entering a new election epoch) so stale
	// timers become no-ops without explicit cancellation bookkeeping.
	Bump()

	Store() *monstore.Store
	Monmap() *monmap.MonMap
	Rank() int
	Name() string
	Fsid() uuid.UUID
	// Started is the time the event loop began running, for uptime
	// reporting on the admin surface.
	Started() time.Time
	// Leadership reports the current election's leader rank and whether
	// this peer is that leader, consulted by Router.Dispatch to decide
	// whether a write command executes locally or forwards, per spec.md
	// §4.7's Forwarding rule.
	Leadership() (leaderRank int, isLeader bool)
	// QuorumSize reports how many peers (including self) are in the
	// currently formed quorum, consulted by Router's health command.
	QuorumSize() int

	// Reset drives the monitor back to Probing, per spec.md's explicit
	// "treat as defensive bugs... become explicit error transitions back
	// to Probing" policy for every timeout/assert(0) path.
	Reset(reason string)
	// Stop ends the event loop: in-flight timers stop being actioned and
	// the store and transport are released, the same way a ctx cancel
	// from the process's own signal handler would, per the
	// stop_cluster admin command.
	Stop()

	// WatchPeer starts independent liveness probing of the peer at rank on
	// interval, letting a leader's lease-renewal loop notice a partitioned
	// peon before that peon's own lease timeout would otherwise fire.
	WatchPeer(rank int, interval time.Duration)
	// UnwatchPeer stops probing the peer at rank.
	UnwatchPeer(rank int)
	// PeerHealthy reports whether rank answered its most recent liveness
	// probe; a peer never watched is reported unhealthy.
	PeerHealthy(rank int) bool
}
