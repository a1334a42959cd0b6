// Package paxos implements the monitor's per-service replicated log
// (spec.md §4.5): proposal/accept/commit, post-election recovery, and
// lease-bounded stale reads. One Instance exists per hosted service
// (osdmap, pgmap, mdsmap, monmap, auth, logm); instances share only the
// underlying store.
//
// Grounded on Monitor.h's friend class Paxos service-callback contract
// (original_source), and on etcdserver/server.go's apply/run split between
// "decide" and "persist-then-callback" — the closest Go idiom in the
// teacher to a commit-then-apply loop.
package paxos

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyc/ceph/internal/monerr"
	"github.com/hyc/ceph/internal/monstore"
	"github.com/hyc/ceph/internal/montrait"
	"github.com/hyc/ceph/internal/wire"
)

// ServiceCallback fires once per committed version, after the transaction
// that persists the value and last_committed has been written; it does not
// run inside that transaction.
type ServiceCallback func(version uint64, value []byte)

// NeedsSyncFunc is invoked during recovery for a peon lagging beyond what
// catch-up replay can cover, handing off to internal/slurp per spec.md
// §4.5's "those lagging further are marked for C6 sync and dropped from
// quorum until caught up."
type NeedsSyncFunc func(rank int, providerAddr string)

const (
	keyFirstCommitted = "first_committed"
	keyLastCommitted  = "last_committed"
	keyAcceptedPN     = "accepted_pn"
	keyPendingV       = "pending_v"
	keyPendingValue   = "pending_value"
)

func versionKey(v uint64) string { return fmt.Sprintf("%020d", v) }

// Instance is one service's paxos log.
type Instance struct {
	lg      *zap.Logger
	trait   montrait.Trait
	store   *monstore.Store
	service string
	prefix  string

	leaseTimeout    time.Duration
	recoveryTimeout time.Duration
	tSlurp          uint64
	trimMin         uint64
	cb              ServiceCallback
	needsSync       NeedsSyncFunc

	mu             sync.Mutex
	isLeader       bool
	quorum         []int
	counter        uint64
	lastCommitted  uint64
	firstCommitted uint64
	acceptedPN     wire.PN
	pendingVersion uint64
	pendingValue   []byte

	accepts         map[int]bool
	recoveryReplies map[int]wire.RecoveryReplyPayload
	cancelRecovery  func()

	leaseExpiresAt    time.Time
	cancelLease       func()
	cancelHealthCheck func()
}

// New loads (or initializes) service's paxos state from store.
func New(lg *zap.Logger, trait montrait.Trait, store *monstore.Store, service string, leaseTimeout, recoveryTimeout time.Duration, tSlurp, trimMin uint64, cb ServiceCallback, needsSync NeedsSyncFunc) (*Instance, error) {
	inst := &Instance{
		lg:              lg.Named(service),
		trait:           trait,
		store:           store,
		service:         service,
		prefix:          "paxos/" + service,
		leaseTimeout:    leaseTimeout,
		recoveryTimeout: recoveryTimeout,
		tSlurp:          tSlurp,
		trimMin:         trimMin,
		cb:              cb,
		needsSync:       needsSync,
		accepts:         map[int]bool{},
		recoveryReplies: map[int]wire.RecoveryReplyPayload{},
	}
	if err := inst.loadLocked(); err != nil {
		return nil, err
	}
	return inst, nil
}

func (p *Instance) loadLocked() error {
	lc, err := p.store.Get(p.prefix, keyLastCommitted)
	if err != nil {
		return err
	}
	p.lastCommitted = decodeVersion(lc)

	fc, err := p.store.Get(p.prefix, keyFirstCommitted)
	if err != nil {
		return err
	}
	p.firstCommitted = decodeVersion(fc)

	pnRaw, err := p.store.Get(p.prefix, keyAcceptedPN)
	if err != nil {
		return err
	}
	p.acceptedPN = decodePN(pnRaw)

	pv, err := p.store.Get(p.prefix, keyPendingV)
	if err != nil {
		return err
	}
	p.pendingVersion = decodeVersion(pv)

	val, err := p.store.Get(p.prefix, keyPendingValue)
	if err != nil {
		return err
	}
	p.pendingValue = val
	return nil
}

func decodePN(b []byte) wire.PN {
	if b == nil {
		return wire.PN{}
	}
	var pn wire.PN
	fmt.Sscanf(string(b), "%d/%d", &pn.Counter, &pn.Rank)
	return pn
}

func decodeVersion(b []byte) uint64 {
	if b == nil {
		return 0
	}
	var v uint64
	fmt.Sscanf(string(b), "%d", &v)
	return v
}

func encodeVersion(v uint64) []byte { return []byte(fmt.Sprintf("%d", v)) }

// LastCommitted returns the last committed version this peer knows.
func (p *Instance) LastCommitted() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastCommitted
}

// FirstCommitted returns the oldest version still retained after trim.
func (p *Instance) FirstCommitted() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.firstCommitted
}

// Get returns the committed value at version, or nil if trimmed/absent.
func (p *Instance) Get(version uint64) ([]byte, error) {
	return p.store.Get(p.prefix, versionKey(version))
}

// BecomeLeader starts the post-election recovery phase against quorum
// (the peer ranks that voted for this leader, per spec.md §4.5).
func (p *Instance) BecomeLeader(quorum []int) {
	p.mu.Lock()
	p.isLeader = true
	p.quorum = append([]int(nil), quorum...)
	p.recoveryReplies = map[int]wire.RecoveryReplyPayload{}
	myRank := p.trait.Rank()
	p.mu.Unlock()

	for _, r := range quorum {
		if r == myRank {
			continue
		}
		p.trait.Send(r, wire.TypeRecoveryRequest, wire.RecoveryRequestPayload{Service: p.service})
		p.trait.WatchPeer(r, p.leaseTimeout/2)
	}

	p.mu.Lock()
	p.cancelRecovery = p.trait.Schedule(p.recoveryTimeout, p.onRecoveryTimeout)
	p.cancelHealthCheck = p.trait.Schedule(p.leaseTimeout/2, p.checkPeerHealth)
	p.mu.Unlock()
}

// checkPeerHealth re-arms itself every leaseTimeout/2, re-sends the lease
// to the quorum on each tick so idle peons keep a fresh lease, and forces
// an early re-election if a quorum peer's independent liveness probe has
// failed, catching a partition before that peon's own lease timeout would
// otherwise fire (DESIGN.md's transport/prober integration).
func (p *Instance) checkPeerHealth() {
	p.mu.Lock()
	isLeader := p.isLeader
	quorum := append([]int(nil), p.quorum...)
	p.mu.Unlock()
	if !isLeader {
		return
	}
	myRank := p.trait.Rank()
	for _, r := range quorum {
		if r == myRank {
			continue
		}
		if !p.trait.PeerHealthy(r) {
			p.lg.Warn("quorum peer failed liveness probe, forcing re-election", zap.Int("rank", r))
			p.trait.Reset("quorum peer unreachable")
			return
		}
	}
	p.sendLease()
	p.mu.Lock()
	p.cancelHealthCheck = p.trait.Schedule(p.leaseTimeout/2, p.checkPeerHealth)
	p.mu.Unlock()
}

// BecomePeon retires any leader-only state, stops watching former quorum
// peers, and arms the lease-loss timer.
func (p *Instance) BecomePeon() {
	p.mu.Lock()
	p.isLeader = false
	p.accepts = map[int]bool{}
	quorum := append([]int(nil), p.quorum...)
	myRank := p.trait.Rank()
	if p.cancelHealthCheck != nil {
		p.cancelHealthCheck()
		p.cancelHealthCheck = nil
	}
	p.mu.Unlock()
	for _, r := range quorum {
		if r != myRank {
			p.trait.UnwatchPeer(r)
		}
	}
	p.armLease()
}

// HandleRecoveryRequest answers a leader's post-election poll.
func (p *Instance) HandleRecoveryRequest(in wire.RecoveryRequestPayload) wire.RecoveryReplyPayload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return wire.RecoveryReplyPayload{
		Service:          p.service,
		LastCommitted:    p.lastCommitted,
		AcceptedPN:       p.acceptedPN,
		UncommittedV:     p.pendingVersion,
		UncommittedValue: p.pendingValue,
	}
}

// HandleRecoveryReply records one peon's recovery report.
func (p *Instance) HandleRecoveryReply(fromRank int, in wire.RecoveryReplyPayload) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isLeader {
		return
	}
	p.recoveryReplies[fromRank] = in
}

// onRecoveryTimeout finalizes recovery: commits the highest accepted_pn
// uncommitted value (if any), catches up near-lagging peons by replay, and
// flags far-lagging peons for sync, per spec.md §4.5.
func (p *Instance) onRecoveryTimeout() {
	p.mu.Lock()
	replies := p.recoveryReplies
	myLastCommitted := p.lastCommitted
	myRank := p.trait.Rank()
	tSlurp := p.tSlurp
	p.mu.Unlock()

	var best *wire.RecoveryReplyPayload
	for rank, r := range replies {
		if r.UncommittedValue == nil {
			continue
		}
		if best == nil || best.AcceptedPN.Less(r.AcceptedPN) {
			rCopy := replies[rank]
			best = &rCopy
		}
	}
	if best != nil && best.UncommittedV == myLastCommitted+1 {
		if err := p.commitLocked(best.UncommittedV, best.UncommittedValue); err != nil {
			p.lg.Error("recovery commit failed", zap.Error(err))
		}
	}

	p.mu.Lock()
	target := p.lastCommitted
	p.mu.Unlock()

	var caughtUp []int
	for rank, r := range replies {
		if rank == myRank {
			continue
		}
		lag := int64(target) - int64(r.LastCommitted)
		if lag <= 0 {
			caughtUp = append(caughtUp, rank)
			continue
		}
		if uint64(lag) <= tSlurp {
			p.replayTo(rank, r.LastCommitted+1, target)
			caughtUp = append(caughtUp, rank)
			continue
		}
		addr := ""
		if addrs := p.trait.Monmap().AddrOf(rank); len(addrs) > 0 {
			addr = addrs[0]
		}
		p.lg.Info("peon lags beyond T_slurp, handing off to sync", zap.Int("rank", rank), zap.Int64("lag", lag))
		if p.needsSync != nil {
			p.needsSync(rank, addr)
		}
	}
}

// replayTo pushes every committed entry in [from, through] directly to rank
// as PaxosCommit messages, per spec.md §4.5's "replaying entries from the
// leader's store."
func (p *Instance) replayTo(rank int, from, through uint64) {
	for v := from; v <= through; v++ {
		val, err := p.Get(v)
		if err != nil || val == nil {
			continue
		}
		p.trait.Send(rank, wire.TypePaxosCommit, wire.PaxosCommitPayload{
			Service: p.service,
			Version: v,
			Value:   val,
		})
	}
}

// Propose is called by the leader's service layer to replicate value at
// last_committed+1, per spec.md §4.5's Propose phase. I4 (never propose at
// a version ≤ last_committed) is enforced by always proposing at +1.
func (p *Instance) Propose(value []byte) error {
	p.mu.Lock()
	if !p.isLeader {
		p.mu.Unlock()
		return fmt.Errorf("%w: not leader for %s", monerr.ErrNotLeader, p.service)
	}
	p.counter++
	pn := wire.PN{Counter: p.counter, Rank: p.trait.Rank()}
	version := p.lastCommitted + 1
	p.pendingVersion = version
	p.pendingValue = value
	p.acceptedPN = pn
	p.accepts = map[int]bool{p.trait.Rank(): true}
	quorum := append([]int(nil), p.quorum...)
	p.mu.Unlock()

	if err := p.persistPendingLocked(pn, version, value); err != nil {
		return err
	}

	myRank := p.trait.Rank()
	for _, r := range quorum {
		if r == myRank {
			continue
		}
		p.trait.Send(r, wire.TypePaxosBegin, wire.PaxosBeginPayload{
			Service: p.service,
			PN:      pn,
			Version: version,
			Value:   value,
		})
	}
	p.checkMajority(version)
	return nil
}

func (p *Instance) persistPendingLocked(pn wire.PN, version uint64, value []byte) error {
	txn := monstore.NewTransaction()
	txn.Put(p.prefix, keyAcceptedPN, encodePN(pn))
	txn.Put(p.prefix, keyPendingV, encodeVersion(version))
	txn.Put(p.prefix, keyPendingValue, value)
	return p.store.PutTransaction(txn)
}

func encodePN(pn wire.PN) []byte {
	return []byte(fmt.Sprintf("%020d/%d", pn.Counter, pn.Rank))
}

// HandleBegin implements the peon's Accept step: accept iff pn ≥
// accepted_pn, per spec.md §4.5.
func (p *Instance) HandleBegin(fromLeader int, in wire.PaxosBeginPayload) {
	p.mu.Lock()
	if in.PN.Less(p.acceptedPN) {
		p.mu.Unlock()
		return
	}
	p.acceptedPN = in.PN
	p.pendingVersion = in.Version
	p.pendingValue = in.Value
	p.mu.Unlock()

	if err := p.persistPendingLocked(in.PN, in.Version, in.Value); err != nil {
		p.lg.Error("persist pending failed", zap.Error(err))
		return
	}
	p.trait.Send(fromLeader, wire.TypePaxosAccept, wire.PaxosAcceptPayload{
		Service: p.service,
		PN:      in.PN,
		Version: in.Version,
	})
}

// HandleAccept tracks one peon's accept; on majority the leader commits.
func (p *Instance) HandleAccept(fromRank int, in wire.PaxosAcceptPayload) {
	p.mu.Lock()
	if !p.isLeader || in.Version != p.pendingVersion || !in.PN.Equal(p.acceptedPN) {
		p.mu.Unlock()
		return
	}
	p.accepts[fromRank] = true
	p.mu.Unlock()
	p.checkMajority(in.Version)
}

func (p *Instance) checkMajority(version uint64) {
	p.mu.Lock()
	if !p.isLeader || version != p.pendingVersion {
		p.mu.Unlock()
		return
	}
	majority := p.trait.Monmap().Majority()
	haveMajority := len(p.accepts) >= majority
	value := p.pendingValue
	p.mu.Unlock()
	if !haveMajority {
		return
	}
	if err := p.commitLocked(version, value); err != nil {
		p.lg.Error("commit failed", zap.Error(err))
		return
	}
	p.trait.Broadcast(wire.TypePaxosCommit, wire.PaxosCommitPayload{
		Service: p.service,
		Version: version,
		Value:   value,
	})
	p.sendLease()
}

// commitLocked persists {committed[v], last_committed, clear pending} in one
// transaction and invokes the service callback, per spec.md §4.5.
func (p *Instance) commitLocked(version uint64, value []byte) error {
	txn := monstore.NewTransaction()
	txn.Put(p.prefix, versionKey(version), value)
	txn.Put(p.prefix, keyLastCommitted, encodeVersion(version))
	txn.Delete(p.prefix, keyPendingV)
	txn.Delete(p.prefix, keyPendingValue)
	if err := p.store.PutTransaction(txn); err != nil {
		return err
	}

	p.mu.Lock()
	p.lastCommitted = version
	p.pendingVersion = 0
	p.pendingValue = nil
	p.accepts = map[int]bool{}
	p.mu.Unlock()

	if p.cb != nil {
		p.cb(version, value)
	}
	if err := p.Trim(); err != nil {
		p.lg.Error("trim failed", zap.Error(err))
	}
	return nil
}

// HandleCommit applies a leader's commit on a peon.
func (p *Instance) HandleCommit(in wire.PaxosCommitPayload) {
	p.mu.Lock()
	if in.Version <= p.lastCommitted {
		p.mu.Unlock()
		return // already applied; commit is idempotent per spec.md §8.
	}
	p.mu.Unlock()
	if err := p.commitLocked(in.Version, in.Value); err != nil {
		p.lg.Error("apply commit failed", zap.Error(err))
	}
}

// sendLease extends a read lease to the quorum, per spec.md §4.5.
func (p *Instance) sendLease() {
	p.mu.Lock()
	if !p.isLeader {
		p.mu.Unlock()
		return
	}
	expires := time.Now().Add(p.leaseTimeout)
	lastCommitted := map[string]uint64{p.service: p.lastCommitted}
	quorum := append([]int(nil), p.quorum...)
	myRank := p.trait.Rank()
	p.mu.Unlock()

	for _, r := range quorum {
		if r == myRank {
			continue
		}
		p.trait.Send(r, wire.TypePaxosLease, wire.PaxosLeasePayload{
			ExpiresAtUnixNano: expires.UnixNano(),
			LastCommitted:     lastCommitted,
		})
	}
}

// HandleLease refreshes the peon's lease deadline and replies with an ack.
func (p *Instance) HandleLease(fromLeader int, in wire.PaxosLeasePayload) {
	p.mu.Lock()
	p.leaseExpiresAt = time.Unix(0, in.ExpiresAtUnixNano)
	p.mu.Unlock()
	p.armLease()
	p.trait.Send(fromLeader, wire.TypePaxosLeaseAck, wire.PaxosLeaseAckPayload{ExpiresAtUnixNano: in.ExpiresAtUnixNano})
}

// armLease (re)schedules the lease-loss timeout; firing it with no renewal
// drops the peon to Probing, per spec.md §4.5.
func (p *Instance) armLease() {
	p.mu.Lock()
	if p.cancelLease != nil {
		p.cancelLease()
	}
	p.cancelLease = p.trait.Schedule(p.leaseTimeout, p.onLeaseExpired)
	p.mu.Unlock()
}

func (p *Instance) onLeaseExpired() {
	p.mu.Lock()
	isLeader := p.isLeader
	expired := time.Now().After(p.leaseExpiresAt)
	p.mu.Unlock()
	if isLeader || !expired {
		return
	}
	p.trait.Reset("paxos lease expired without renewal")
}

// ReadStaleTolerant returns the committed value at version if the lease is
// still valid (P4), or an error otherwise, forcing the caller to forward.
func (p *Instance) ReadStaleTolerant(version uint64) ([]byte, error) {
	p.mu.Lock()
	fresh := time.Now().Before(p.leaseExpiresAt)
	p.mu.Unlock()
	if !fresh {
		return nil, fmt.Errorf("%w: lease expired", monerr.ErrNotLeader)
	}
	return p.Get(version)
}

// Trim removes committed entries at or below last_committed - trim_min,
// keeping the trim_min most recent versions, per
// spec.md §8 scenario 6 and the paxos_trim_min configuration knob.
func (p *Instance) Trim() error {
	p.mu.Lock()
	last := p.lastCommitted
	trimMin := p.trimMin
	p.mu.Unlock()
	if trimMin == 0 || last <= trimMin {
		return nil
	}
	newFirst := last - trimMin
	if err := p.store.Compact(p.prefix, versionKey(newFirst)); err != nil {
		return err
	}
	txn := monstore.NewTransaction()
	txn.Put(p.prefix, keyFirstCommitted, encodeVersion(newFirst+1))
	if err := p.store.PutTransaction(txn); err != nil {
		return err
	}
	p.mu.Lock()
	p.firstCommitted = newFirst + 1
	p.mu.Unlock()
	return nil
}
