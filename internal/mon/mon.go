// Package mon wires C1-C7 into the single-threaded event loop described in
// spec.md §5 and Design Notes §9: one goroutine dequeues inbound wire
// messages and fired timers from a single channel and dispatches them
// serially, so no two callbacks ever race on monitor state.
//
// Grounded on etcdserver/server.go's run() select-loop (ticker / Ready
// channel / done channel), generalized from "apply raft Ready" to
// "dispatch one wire message or fired timer."
package mon

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hyc/ceph/internal/elector"
	"github.com/hyc/ceph/internal/monclock"
	"github.com/hyc/ceph/internal/monconfig"
	"github.com/hyc/ceph/internal/monerr"
	"github.com/hyc/ceph/internal/monmap"
	"github.com/hyc/ceph/internal/monmetrics"
	"github.com/hyc/ceph/internal/monstore"
	"github.com/hyc/ceph/internal/montrait"
	"github.com/hyc/ceph/internal/paxos"
	"github.com/hyc/ceph/internal/probe"
	"github.com/hyc/ceph/internal/router"
	"github.com/hyc/ceph/internal/slurp"
	"github.com/hyc/ceph/internal/transport"
	"github.com/hyc/ceph/internal/wire"
)

var _ montrait.Trait = (*Monitor)(nil)

// State is the monitor's top-level phase, per spec.md §4.3/§4.4.
type State int

const (
	StateProbing State = iota
	StateElecting
	StateSynchronizing
	StatePeon
	StateLeader
)

func (s State) String() string {
	switch s {
	case StateProbing:
		return "probing"
	case StateElecting:
		return "electing"
	case StateSynchronizing:
		return "synchronizing"
	case StatePeon:
		return "peon"
	case StateLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// Monitor is one cluster monitor daemon: the event loop plus every
// component it owns.
type Monitor struct {
	lg      *zap.Logger
	cfg     monconfig.Config
	store   *monstore.Store
	sched   *monclock.Scheduler
	trans   *transport.HTTPTransport
	metrics *monmetrics.Metrics
	fsid    uuid.UUID
	started time.Time

	mu            sync.Mutex
	mm            *monmap.MonMap
	state         State
	electionEpoch uint64
	leaderRank    int
	quorum        []int

	probe    *probe.Probe
	elector  *elector.Elector
	services map[string]*paxos.Instance
	slurpMgr *slurp.Manager
	router   *router.Router

	actions  chan func()
	done     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New constructs a Monitor; it does not yet run its event loop.
func New(lg *zap.Logger, cfg monconfig.Config, store *monstore.Store, mm *monmap.MonMap, fsid uuid.UUID, trans *transport.HTTPTransport, metrics *monmetrics.Metrics) *Monitor {
	m := &Monitor{
		lg:       lg,
		cfg:      cfg,
		store:    store,
		sched:    monclock.New(clockwork.NewRealClock()),
		trans:    trans,
		metrics:  metrics,
		fsid:     fsid,
		mm:       mm,
		services: map[string]*paxos.Instance{},
		actions:  make(chan func(), 256),
		done:     make(chan struct{}),
		stopCh:   make(chan struct{}),
	}
	m.router = router.New(lg.Named("router"), m)
	m.slurpMgr = slurp.NewManager(lg.Named("slurp"), m, store, cfg.SyncTimeout)
	m.probe = probe.New(lg.Named("probe"), m, cfg.ProbeTimeout, cfg.TSlurp, m.hasEverJoined(),
		m.quorumStatus, m.lastCommittedAll,
		probe.Callbacks{OnElect: m.startElection, OnSync: m.startSync})
	return m
}

// RegisterService hosts a domain paxos service under name, per spec.md §1.
// The returned Instance is the service's write entry point: callers bind
// its Propose method to whatever admin command should mutate the service
// (see services/osdmap.Service.BindProposer for the pattern).
func (m *Monitor) RegisterService(name string, leaseTimeout, recoveryTimeout time.Duration, cb paxos.ServiceCallback) (*paxos.Instance, error) {
	commitCB := cb
	if m.metrics != nil {
		commitCB = func(version uint64, value []byte) {
			m.metrics.Commits.WithLabelValues(name).Inc()
			if cb != nil {
				cb(version, value)
			}
		}
	}
	inst, err := paxos.New(m.lg, m, m.store, name, leaseTimeout, recoveryTimeout, m.cfg.TSlurp, m.cfg.PaxosTrimMin, commitCB, m.handleServiceNeedsSync)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.services[name] = inst
	m.mu.Unlock()
	return inst, nil
}

// Router exposes the admin/session router to cmd/ceph-mon's HTTP surface.
func (m *Monitor) Router() *router.Router { return m.router }

// Run starts the event loop and blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.started = time.Now()
	m.post(func() { m.probe.Start() })
	for {
		select {
		case <-ctx.Done():
			close(m.done)
			return m.shutdown()
		case <-m.stopCh:
			close(m.done)
			return m.shutdown()
		case fn := <-m.actions:
			fn()
		}
	}
}

// Stop ends the event loop from within, per montrait.Trait: the in-flight
// election/sync timers simply stop being actioned (their Schedule callbacks
// call post, which no-ops once m.done is closed) and shutdown releases the
// transport and store exactly as a ctx cancel would.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// WatchPeer starts the transport's independent liveness probing of rank,
// per montrait.Trait.
func (m *Monitor) WatchPeer(rank int, interval time.Duration) {
	m.mu.Lock()
	addrs := m.mm.AddrOf(rank)
	m.mu.Unlock()
	if len(addrs) == 0 {
		return
	}
	if err := m.trans.Watch(addrs[0], interval); err != nil {
		m.lg.Warn("watch peer failed", zap.Int("rank", rank), zap.Error(err))
	}
}

// UnwatchPeer stops probing rank, per montrait.Trait.
func (m *Monitor) UnwatchPeer(rank int) {
	m.mu.Lock()
	addrs := m.mm.AddrOf(rank)
	m.mu.Unlock()
	if len(addrs) == 0 {
		return
	}
	_ = m.trans.Unwatch(addrs[0])
}

// PeerHealthy reports rank's most recent liveness probe result, per
// montrait.Trait.
func (m *Monitor) PeerHealthy(rank int) bool {
	m.mu.Lock()
	addrs := m.mm.AddrOf(rank)
	m.mu.Unlock()
	if len(addrs) == 0 {
		return false
	}
	return m.trans.Healthy(addrs[0])
}

func (m *Monitor) shutdown() error {
	var err error
	m.trans.Stop()
	err = multierr.Append(err, m.store.Close())
	return err
}

// post enqueues fn to run on the event-loop goroutine; safe to call from
// any goroutine (transport workers, timers).
func (m *Monitor) post(fn func()) {
	select {
	case m.actions <- fn:
	case <-m.done:
	}
}

// HandleInbound is registered with transport.Serve as the Handler for
// every decoded peer message; it posts dispatch onto the event loop so no
// transport goroutine ever touches monitor state directly.
func (m *Monitor) HandleInbound(from string, msg wire.Message) {
	m.post(func() { m.dispatch(from, msg) })
}

func (m *Monitor) dispatch(from string, msg wire.Message) {
	rank := m.mm.RankOf(msg.Header.Sender)
	switch msg.Type {
	case wire.TypeProbe:
		var p wire.ProbePayload
		if wire.Unmarshal(msg, &p) == nil {
			reply := m.probe.HandleProbe(from, p)
			m.SendAddr(from, wire.TypeProbeReply, reply)
		}
	case wire.TypeProbeReply:
		var r wire.ProbeReplyPayload
		if wire.Unmarshal(msg, &r) == nil {
			m.probe.HandleProbeReply(rank, r)
		}
	case wire.TypePropose:
		var p wire.ProposePayload
		if wire.Unmarshal(msg, &p) == nil && m.elector != nil {
			m.elector.HandlePropose(rank, p)
		}
	case wire.TypeVictory:
		var v wire.VictoryPayload
		if wire.Unmarshal(msg, &v) == nil {
			if m.elector != nil {
				m.elector.HandleVictory(v)
			} else {
				m.onDefeat(v.Epoch, v.Leader, v.Quorum)
			}
		}
	case wire.TypeRecoveryRequest:
		var rq wire.RecoveryRequestPayload
		if wire.Unmarshal(msg, &rq) == nil {
			if inst := m.service(rq.Service); inst != nil {
				reply := inst.HandleRecoveryRequest(rq)
				m.Send(rank, wire.TypeRecoveryReply, reply)
			}
		}
	case wire.TypeRecoveryReply:
		var rr wire.RecoveryReplyPayload
		if wire.Unmarshal(msg, &rr) == nil {
			if inst := m.service(rr.Service); inst != nil {
				inst.HandleRecoveryReply(rank, rr)
			}
		}
	case wire.TypePaxosBegin:
		var b wire.PaxosBeginPayload
		if wire.Unmarshal(msg, &b) == nil {
			if inst := m.service(b.Service); inst != nil {
				inst.HandleBegin(rank, b)
			}
		}
	case wire.TypePaxosAccept:
		var a wire.PaxosAcceptPayload
		if wire.Unmarshal(msg, &a) == nil {
			if inst := m.service(a.Service); inst != nil {
				inst.HandleAccept(rank, a)
			}
		}
	case wire.TypePaxosCommit:
		var c wire.PaxosCommitPayload
		if wire.Unmarshal(msg, &c) == nil {
			if inst := m.service(c.Service); inst != nil {
				inst.HandleCommit(c)
				m.router.NotifyCommit(c.Service, c.Version, c.Value)
			}
		}
	case wire.TypePaxosLease:
		var l wire.PaxosLeasePayload
		if wire.Unmarshal(msg, &l) == nil {
			for svc := range l.LastCommitted {
				if inst := m.service(svc); inst != nil {
					inst.HandleLease(rank, l)
				}
			}
		}
	case wire.TypeSyncStart:
		var s wire.SyncStartPayload
		if wire.Unmarshal(msg, &s) == nil {
			m.slurpMgr.HandleSyncStart(from, s)
		}
	case wire.TypeSyncStartReply:
		var s wire.SyncStartReplyPayload
		if wire.Unmarshal(msg, &s) == nil {
			m.slurpMgr.HandleSyncStartReply(s)
		}
	case wire.TypeSyncChunk:
		var s wire.SyncChunkPayload
		if wire.Unmarshal(msg, &s) == nil {
			m.slurpMgr.HandleSyncChunk(s)
		}
	case wire.TypeSyncChunkReply:
		var s wire.SyncChunkReplyPayload
		if wire.Unmarshal(msg, &s) == nil {
			m.slurpMgr.HandleSyncChunkReply(from, s)
		}
	case wire.TypeSyncHeartbeat:
		var s wire.SyncHeartbeatPayload
		if wire.Unmarshal(msg, &s) == nil {
			m.slurpMgr.HandleSyncHeartbeat(from, s)
		}
	case wire.TypeForward:
		var f wire.ForwardPayload
		if wire.Unmarshal(msg, &f) == nil {
			m.router.HandleForward(rank, f, m.processForwardedCommand)
		}
	case wire.TypeRoute:
		var r wire.RoutePayload
		if wire.Unmarshal(msg, &r) == nil {
			m.router.HandleRoute(r)
		}
	case wire.TypeSubscribe:
		var s wire.SubscribePayload
		if wire.Unmarshal(msg, &s) == nil {
			m.router.Subscribe(from, s)
		}
	case wire.TypeCommand:
		// Peer-to-peer wire commands are inter-monitor administrative
		// relay (e.g. a peon forwarding mon_status to the leader over the
		// same channel used for consensus traffic) and always carry full
		// capabilities; the external admin socket enforces per-session
		// caps separately via Router.OpenSession.
		var c wire.CommandPayload
		if wire.Unmarshal(msg, &c) == nil {
			reply := m.router.Dispatch(router.ParseCaps("allow rwx"), c.Argv)
			m.SendAddr(from, wire.TypeCommandReply, reply)
		}
	}
}

func (m *Monitor) service(name string) *paxos.Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.services[name]
}

// processForwardedCommand is the leader-side handler for a peon-forwarded
// client command, per spec.md §4.7: decode the forwarded argv and dispatch
// it locally with full capabilities, since the peon has already enforced
// the client's own caps before forwarding.
func (m *Monitor) processForwardedCommand(requestBytes []byte) []byte {
	var cmd wire.CommandPayload
	reply := wire.CommandReplyPayload{RC: 1, Kind: monerr.KindCommandUnknown.String(), Reason: "malformed forwarded command"}
	if err := json.Unmarshal(requestBytes, &cmd); err == nil {
		reply = m.router.Dispatch(router.ParseCaps("allow rwx"), cmd.Argv)
	}
	body, err := json.Marshal(reply)
	if err != nil {
		m.lg.Error("marshal forwarded command reply failed", zap.Error(err))
		return nil
	}
	return body
}

func (m *Monitor) quorumStatus() (bool, int, []int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inQuorum := m.state == StateLeader || m.state == StatePeon
	return inQuorum, m.leaderRank, append([]int(nil), m.quorum...)
}

func (m *Monitor) lastCommittedAll() map[string]uint64 {
	m.mu.Lock()
	services := make([]*paxos.Instance, 0, len(m.services))
	names := make([]string, 0, len(m.services))
	for name, inst := range m.services {
		names = append(names, name)
		services = append(services, inst)
	}
	m.mu.Unlock()

	out := make(map[string]uint64, len(services))
	for i, inst := range services {
		out[names[i]] = inst.LastCommitted()
	}
	return out
}

func (m *Monitor) hasEverJoined() bool {
	v, _ := m.store.Get("mon", "has_ever_joined")
	return v != nil
}

func (m *Monitor) markEverJoined() {
	txn := monstore.NewTransaction()
	txn.Put("mon", "has_ever_joined", []byte{1})
	_ = m.store.PutTransaction(txn)
}

func (m *Monitor) startElection() {
	m.mu.Lock()
	m.state = StateElecting
	lastEpoch := m.electionEpoch
	m.mu.Unlock()
	m.Bump()

	el := elector.New(m.lg.Named("elector"), m, m.cfg.ElectionTimeout, lastEpoch,
		elector.Callbacks{
			OnVictory: m.onVictoryLocal,
			OnDefeat:  m.onDefeat,
			OnReset:   m.Reset,
		})
	m.mu.Lock()
	m.elector = el
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.Elections.Inc()
	}
}

func (m *Monitor) onVictoryLocal(epoch uint64, quorum []int) {
	m.becomeLeader(epoch, quorum)
}

func (m *Monitor) becomeLeader(epoch uint64, quorum []int) {
	m.mu.Lock()
	m.electionEpoch = epoch
	m.leaderRank = m.rankLocked()
	m.quorum = quorum
	services := make([]*paxos.Instance, 0, len(m.services))
	for _, inst := range m.services {
		services = append(services, inst)
	}
	m.mu.Unlock()

	m.markEverJoined()
	m.probe.MarkJoined()
	if m.metrics != nil {
		m.metrics.ElectionEpoch.Set(float64(epoch))
		m.metrics.QuorumSize.Set(float64(len(quorum)))
	}
	for _, inst := range services {
		inst.BecomeLeader(quorum)
	}
	// Publish Leader only once every hosted paxos instance accepts
	// proposals, so a caller that observes StateLeader can propose at once.
	m.mu.Lock()
	m.state = StateLeader
	m.mu.Unlock()
}

func (m *Monitor) onDefeat(epoch uint64, leaderRank int, quorum []int) {
	m.mu.Lock()
	m.state = StatePeon
	m.electionEpoch = epoch
	m.leaderRank = leaderRank
	m.quorum = quorum
	services := make([]*paxos.Instance, 0, len(m.services))
	for _, inst := range m.services {
		services = append(services, inst)
	}
	m.mu.Unlock()

	m.markEverJoined()
	m.probe.MarkJoined()
	if m.metrics != nil {
		m.metrics.ElectionEpoch.Set(float64(epoch))
		m.metrics.QuorumSize.Set(float64(len(quorum)))
	}
	for _, inst := range services {
		inst.BecomePeon()
	}
}

func (m *Monitor) startSync(providerRank int, providerAddr string) {
	m.mu.Lock()
	m.state = StateSynchronizing
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.SyncSessions.Inc()
	}
	m.slurpMgr.StartRequester(providerRank, providerAddr, func() {
		if m.metrics != nil {
			m.metrics.SyncSessions.Dec()
		}
		m.probe.Start()
	})
}

func (m *Monitor) handleServiceNeedsSync(rank int, addr string) {
	m.startSync(rank, addr)
}

// --- montrait.Trait ---

func (m *Monitor) Broadcast(typ wire.Type, payload any) {
	m.mu.Lock()
	mm := m.mm
	myRank := m.rankLocked()
	m.mu.Unlock()
	for _, p := range mm.Peers {
		if p.Rank == myRank {
			continue
		}
		addrs := p.AddrRaw
		if len(addrs) == 0 {
			continue
		}
		m.trans.Send(addrs[0], typ, m.cfg.Name, m.electionEpochSnapshot(), payload)
	}
}

func (m *Monitor) Send(rank int, typ wire.Type, payload any) {
	addrs := m.mm.AddrOf(rank)
	if len(addrs) == 0 {
		return
	}
	m.trans.Send(addrs[0], typ, m.cfg.Name, m.electionEpochSnapshot(), payload)
}

func (m *Monitor) SendAddr(addr string, typ wire.Type, payload any) {
	m.trans.Send(addr, typ, m.cfg.Name, m.electionEpochSnapshot(), payload)
}

func (m *Monitor) electionEpochSnapshot() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.electionEpoch
}

func (m *Monitor) Schedule(d time.Duration, fn func()) func() {
	return m.sched.AfterFunc(d, func() { m.post(fn) })
}

func (m *Monitor) Bump() { m.sched.Bump() }

func (m *Monitor) Store() *monstore.Store { return m.store }

func (m *Monitor) Monmap() *monmap.MonMap {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mm
}

// SetMonmap adopts a new membership snapshot, normally called from the
// monmapsvc paxos service's commit callback once a membership change
// commits. Per spec.md §4.2, a membership change that removes or renumbers
// this peer's own rank forces a re-bootstrap back to Probing rather than
// silently continuing under a stale rank.
func (m *Monitor) SetMonmap(mm *monmap.MonMap) {
	m.mu.Lock()
	oldRank := m.rankLocked()
	m.mm = mm
	newRank := m.rankLocked()
	m.mu.Unlock()

	if newRank != oldRank {
		m.lg.Info("monmap update changed this peer's rank, re-bootstrapping",
			zap.Int("old_rank", oldRank), zap.Int("new_rank", newRank))
		m.Reset("monmap rank change")
	}
}

func (m *Monitor) Rank() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rankLocked()
}

// rankLocked requires m.mu to already be held.
func (m *Monitor) rankLocked() int {
	return m.mm.RankOf(m.cfg.Name)
}

func (m *Monitor) Name() string { return m.cfg.Name }

func (m *Monitor) Fsid() uuid.UUID { return m.fsid }

func (m *Monitor) Started() time.Time { return m.started }

// Leadership reports the current leader's rank and whether this peer holds
// it, per montrait.Trait.
func (m *Monitor) Leadership() (leaderRank int, isLeader bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaderRank, m.state == StateLeader
}

// QuorumSize reports the number of peers in the currently formed quorum,
// 0 if the monitor hasn't joined one yet.
func (m *Monitor) QuorumSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.quorum)
}

// Reset drives the monitor back to Probing from any state, per spec.md's
// "explicit transitions back to Probing" policy for timeout/defensive
// paths (Design Notes §9's open question on assert(0) callbacks).
func (m *Monitor) Reset(reason string) {
	m.lg.Info("resetting to probing", zap.String("reason", reason))
	m.mu.Lock()
	m.state = StateProbing
	m.elector = nil
	m.mu.Unlock()
	m.Bump()
	m.probe.Start()
}

// State returns the monitor's current phase, for the admin surface.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
