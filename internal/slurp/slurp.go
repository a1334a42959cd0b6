// Package slurp implements the monitor's bulk state transfer (spec.md
// §4.6): a chunked, cursor-resumable, heartbeated copy of the provider's
// entire store to a requester whose log has fallen too far behind for
// paxos recovery replay to cover. Per Design Notes' open question, the
// source's separate "slurp" mode is collapsed into this single mechanism;
// internal/probe and internal/paxos both invoke it, they never implement a
// parallel path.
//
// Grounded on Monitor.h's sync_start/sync_send_chunks/sync_timeout family
// (original_source) for protocol shape, and rafthttp/snapshot.go's
// streaming snapshot sender for the Go chunked-transfer idiom.
package slurp

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyc/ceph/internal/monstore"
	"github.com/hyc/ceph/internal/montrait"
	"github.com/hyc/ceph/internal/wire"
)

// splitCompositeKey reverses monstore.Store.Snapshot's "prefix/key" key
// format back into its two parts.
func splitCompositeKey(composite string) (prefix, key string) {
	i := strings.IndexByte(composite, '/')
	if i < 0 {
		return composite, ""
	}
	return composite[:i], composite[i+1:]
}

const chunkSize = 256

// OnDoneFunc fires once a requester-side session completes successfully,
// handing control back to the caller (normally internal/probe, re-entering
// Probing with the new versions).
type OnDoneFunc func()

// Provider serves one outbound sync session: a paused-compaction snapshot
// streamed to a single requester.
type Provider struct {
	lg      *zap.Logger
	trait   montrait.Trait
	store   *monstore.Store
	session string
	peer    int

	mu              sync.Mutex
	prefix, key     string
	done            bool
	cancelTimeout   func()
	cancelHeartbeat func()
	sentPrefixes    map[string]bool
}

// Manager owns every active sync session on one monitor, as both provider
// and requester (a monitor can serve one session while also running a
// requester session against a different peer — I6 bounds it to one
// requester session at a time, but provider sessions are unbounded).
type Manager struct {
	lg              *zap.Logger
	trait           montrait.Trait
	store           *monstore.Store
	syncTimeout     time.Duration
	heartbeatPeriod time.Duration

	mu        sync.Mutex
	providers map[string]*Provider // sessionID -> provider state
	requester *requesterState      // at most one, per I6
}

type requesterState struct {
	sessionID       string
	providerRank    int
	providerAddr    string
	cancelTimeout   func()
	cancelHeartbeat func()
	onDone          OnDoneFunc
}

// NewManager builds a slurp Manager bound to trait/store. Heartbeats fire at
// a third of syncTimeout, giving each side two missed heartbeats of slack
// before the peer's watchdog gives up on it.
func NewManager(lg *zap.Logger, trait montrait.Trait, store *monstore.Store, syncTimeout time.Duration) *Manager {
	return &Manager{
		lg:              lg,
		trait:           trait,
		store:           store,
		syncTimeout:     syncTimeout,
		heartbeatPeriod: syncTimeout / 3,
		providers:       map[string]*Provider{},
	}
}

// StartRequester begins pulling from providerRank/providerAddr, per
// spec.md §4.6 step 1. onDone fires once SyncFinish{aborted:false} lands.
func (m *Manager) StartRequester(providerRank int, providerAddr string, onDone OnDoneFunc) {
	m.mu.Lock()
	if m.requester != nil {
		m.mu.Unlock()
		m.lg.Warn("sync requested while another session is active, ignoring", zap.Int("provider", providerRank))
		return
	}
	rs := &requesterState{providerRank: providerRank, providerAddr: providerAddr, onDone: onDone}
	m.requester = rs
	m.mu.Unlock()

	m.trait.SendAddr(providerAddr, wire.TypeSyncStart, wire.SyncStartPayload{})
	m.armRequesterTimeout(rs)
	m.armRequesterHeartbeat(rs)
}

func (m *Manager) armRequesterTimeout(rs *requesterState) {
	m.mu.Lock()
	if rs.cancelTimeout != nil {
		rs.cancelTimeout()
	}
	rs.cancelTimeout = m.trait.Schedule(m.syncTimeout, func() { m.abortRequester("sync heartbeat timeout") })
	m.mu.Unlock()
}

// armRequesterHeartbeat re-arms the requester's own periodic send, per
// spec.md §4.6 point 4 ("both sides send SyncHeartbeat at a fixed
// interval") — independent of chunk traffic, so a provider stalled on a
// slow snapshot read still sees liveness from the requester.
func (m *Manager) armRequesterHeartbeat(rs *requesterState) {
	m.mu.Lock()
	if rs.cancelHeartbeat != nil {
		rs.cancelHeartbeat()
	}
	rs.cancelHeartbeat = m.trait.Schedule(m.heartbeatPeriod, func() { m.sendRequesterHeartbeat(rs) })
	m.mu.Unlock()
}

func (m *Manager) sendRequesterHeartbeat(rs *requesterState) {
	m.mu.Lock()
	cur := m.requester
	m.mu.Unlock()
	if cur != rs {
		return
	}
	if rs.sessionID != "" {
		m.trait.SendAddr(rs.providerAddr, wire.TypeSyncHeartbeat, wire.SyncHeartbeatPayload{SessionID: rs.sessionID})
	}
	m.armRequesterHeartbeat(rs)
}

// HandleSyncStartReply records the session ID and immediately pulls the
// first chunk.
func (m *Manager) HandleSyncStartReply(in wire.SyncStartReplyPayload) {
	m.mu.Lock()
	rs := m.requester
	if rs == nil {
		m.mu.Unlock()
		return
	}
	rs.sessionID = in.SessionID
	addr := rs.providerAddr
	m.mu.Unlock()

	m.armRequesterTimeout(rs)
	m.trait.SendAddr(addr, wire.TypeSyncChunkReply, wire.SyncChunkReplyPayload{SessionID: in.SessionID})
}

// HandleSyncChunk writes one chunk atomically and pulls the next, per
// spec.md §4.6 step 3. The requester's paxos instances must remain
// unavailable until done_flag lands — enforced by the caller, which only
// treats this service's state as usable after OnDoneFunc fires.
func (m *Manager) HandleSyncChunk(in wire.SyncChunkPayload) {
	m.mu.Lock()
	rs := m.requester
	if rs == nil || rs.sessionID != in.SessionID {
		m.mu.Unlock()
		return
	}
	addr := rs.providerAddr
	m.mu.Unlock()
	m.armRequesterTimeout(rs)

	txn := monstore.NewTransaction()
	for composite, v := range in.KVPairs {
		prefix, key := splitCompositeKey(composite)
		txn.Put(prefix, key, v)
	}
	if err := m.store.PutTransaction(txn); err != nil {
		m.lg.Error("sync chunk write failed", zap.Error(err))
		m.abortRequester("store write failed")
		return
	}

	if in.Done {
		m.finishRequester(addr, in.SessionID, false)
		return
	}
	m.trait.SendAddr(addr, wire.TypeSyncChunkReply, wire.SyncChunkReplyPayload{SessionID: in.SessionID})
}

// HandleSyncHeartbeat re-arms the timeout of whichever local session the
// heartbeat belongs to: the requester if it matches our one active pull, or
// a provider session if the sessionID names one we're serving.
func (m *Manager) HandleSyncHeartbeat(fromAddr string, in wire.SyncHeartbeatPayload) {
	m.mu.Lock()
	rs := m.requester
	p, isProvider := m.providers[in.SessionID]
	m.mu.Unlock()

	if rs != nil && rs.sessionID == in.SessionID {
		m.armRequesterTimeout(rs)
		return
	}
	if isProvider {
		m.armProviderTimeout(fromAddr, p)
	}
}

func (m *Manager) finishRequester(addr, sessionID string, aborted bool) {
	m.mu.Lock()
	rs := m.requester
	if rs == nil || rs.sessionID != sessionID {
		m.mu.Unlock()
		return
	}
	if rs.cancelTimeout != nil {
		rs.cancelTimeout()
	}
	if rs.cancelHeartbeat != nil {
		rs.cancelHeartbeat()
	}
	m.requester = nil
	onDone := rs.onDone
	m.mu.Unlock()

	m.trait.SendAddr(addr, wire.TypeSyncFinish, wire.SyncFinishPayload{SessionID: sessionID, Aborted: aborted})
	if !aborted && onDone != nil {
		onDone()
	}
}

func (m *Manager) abortRequester(reason string) {
	m.mu.Lock()
	rs := m.requester
	if rs == nil {
		m.mu.Unlock()
		return
	}
	if rs.cancelTimeout != nil {
		rs.cancelTimeout()
	}
	if rs.cancelHeartbeat != nil {
		rs.cancelHeartbeat()
	}
	m.requester = nil
	addr, sessionID := rs.providerAddr, rs.sessionID
	m.mu.Unlock()

	m.lg.Warn("aborting sync", zap.String("reason", reason))
	if sessionID != "" {
		m.trait.SendAddr(addr, wire.TypeSyncFinish, wire.SyncFinishPayload{SessionID: sessionID, Aborted: true})
	}
}

// --- provider side ---

// HandleSyncStart reserves a snapshot and begins streaming to the
// requester, per spec.md §4.6 step 2.
func (m *Manager) HandleSyncStart(fromAddr string, in wire.SyncStartPayload) {
	sessionID := uuid.New().String()
	p := &Provider{
		lg:           m.lg,
		trait:        m.trait,
		store:        m.store,
		session:      sessionID,
		prefix:       in.CursorPrefix,
		key:          in.CursorKey,
		sentPrefixes: map[string]bool{},
	}

	m.mu.Lock()
	m.providers[sessionID] = p
	m.mu.Unlock()

	m.trait.SendAddr(fromAddr, wire.TypeSyncStartReply, wire.SyncStartReplyPayload{SessionID: sessionID})
	m.armProviderTimeout(fromAddr, p)
	m.armProviderHeartbeat(fromAddr, p)
	m.sendNextChunk(fromAddr, p)
}

func (m *Manager) armProviderTimeout(addr string, p *Provider) {
	p.mu.Lock()
	if p.cancelTimeout != nil {
		p.cancelTimeout()
	}
	p.cancelTimeout = m.trait.Schedule(m.syncTimeout, func() { m.abortProvider(addr, p, "sync heartbeat timeout") })
	p.mu.Unlock()
}

// armProviderHeartbeat re-arms the provider's own periodic send, so a
// requester stuck waiting between chunks (for example while the provider
// walks a large prefix before it can assemble the next one) still sees
// liveness from the provider rather than timing out mid-transfer.
func (m *Manager) armProviderHeartbeat(addr string, p *Provider) {
	p.mu.Lock()
	if p.cancelHeartbeat != nil {
		p.cancelHeartbeat()
	}
	p.cancelHeartbeat = m.trait.Schedule(m.heartbeatPeriod, func() { m.sendProviderHeartbeat(addr, p) })
	p.mu.Unlock()
}

func (m *Manager) sendProviderHeartbeat(addr string, p *Provider) {
	m.mu.Lock()
	_, active := m.providers[p.session]
	m.mu.Unlock()
	if !active {
		return
	}
	m.trait.SendAddr(addr, wire.TypeSyncHeartbeat, wire.SyncHeartbeatPayload{SessionID: p.session})
	m.armProviderHeartbeat(addr, p)
}

func (m *Manager) sendNextChunk(addr string, p *Provider) {
	p.mu.Lock()
	if !p.sentPrefixes[p.prefix] {
		m.store.DisableCompact(p.prefix)
		p.sentPrefixes[p.prefix] = true
	}
	cursorPrefix, cursorKey := p.prefix, p.key
	p.mu.Unlock()

	kvs, nextPrefix, nextKey, done, err := m.store.Snapshot(cursorPrefix, cursorKey, chunkSize)
	if err != nil {
		m.lg.Error("snapshot failed during sync", zap.Error(err))
		m.abortProvider(addr, p, "snapshot error")
		return
	}

	kvPairs := map[string][]byte{}
	for _, kv := range kvs {
		kvPairs[kv.Key] = kv.Value
	}

	p.mu.Lock()
	if !done && !p.sentPrefixes[nextPrefix] {
		m.store.DisableCompact(nextPrefix)
		p.sentPrefixes[nextPrefix] = true
	}
	p.prefix, p.key, p.done = nextPrefix, nextKey, done
	p.mu.Unlock()

	m.trait.SendAddr(addr, wire.TypeSyncChunk, wire.SyncChunkPayload{
		SessionID:  p.session,
		KVPairs:    kvPairs,
		NextPrefix: nextPrefix,
		NextKey:    nextKey,
		Done:       done,
	})

	if done {
		m.finishProvider(addr, p, false)
	}
}

// HandleSyncChunkReply pulls the next chunk for an active provider session.
func (m *Manager) HandleSyncChunkReply(fromAddr string, in wire.SyncChunkReplyPayload) {
	m.mu.Lock()
	p, ok := m.providers[in.SessionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.armProviderTimeout(fromAddr, p)
	m.sendNextChunk(fromAddr, p)
}

func (m *Manager) finishProvider(addr string, p *Provider, aborted bool) {
	m.mu.Lock()
	if _, ok := m.providers[p.session]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.providers, p.session)
	if p.cancelTimeout != nil {
		p.cancelTimeout()
	}
	if p.cancelHeartbeat != nil {
		p.cancelHeartbeat()
	}
	prefixes := p.sentPrefixes
	m.mu.Unlock()

	for prefix := range prefixes {
		m.store.EnableCompact(prefix)
	}
	_ = aborted
}

func (m *Manager) abortProvider(addr string, p *Provider, reason string) {
	m.lg.Warn("aborting provider sync session", zap.String("reason", reason), zap.String("session", p.session))
	m.finishProvider(addr, p, true)
	m.trait.SendAddr(addr, wire.TypeSyncFinish, wire.SyncFinishPayload{SessionID: p.session, Aborted: true})
}
