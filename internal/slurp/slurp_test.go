package slurp

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hyc/ceph/internal/monmap"
	"github.com/hyc/ceph/internal/monstore"
	"github.com/hyc/ceph/internal/montrait"
	"github.com/hyc/ceph/internal/wire"
)

// fakeTrait routes SendAddr calls directly into the peer Manager under
// test, simulating the wire round-trip synchronously.
type fakeTrait struct {
	rank      int
	mm        *monmap.MonMap
	peer      *Manager
	selfAddr  string
	scheduled []func()
	sent      []wire.Type
}

func (f *fakeTrait) Broadcast(typ wire.Type, payload any)      {}
func (f *fakeTrait) Send(rank int, typ wire.Type, payload any) {}
func (f *fakeTrait) SendAddr(addr string, typ wire.Type, payload any) {
	f.sent = append(f.sent, typ)
	switch typ {
	case wire.TypeSyncStart:
		f.peer.HandleSyncStart("requester", payload.(wire.SyncStartPayload))
	case wire.TypeSyncStartReply:
		f.peer.HandleSyncStartReply(payload.(wire.SyncStartReplyPayload))
	case wire.TypeSyncChunk:
		f.peer.HandleSyncChunk(payload.(wire.SyncChunkPayload))
	case wire.TypeSyncChunkReply:
		f.peer.HandleSyncChunkReply("provider", payload.(wire.SyncChunkReplyPayload))
	case wire.TypeSyncHeartbeat:
		f.peer.HandleSyncHeartbeat(f.selfAddr, payload.(wire.SyncHeartbeatPayload))
	case wire.TypeSyncFinish:
		// no-op for this test; Manager tracks completion itself.
	}
}
func (f *fakeTrait) Schedule(d time.Duration, fn func()) func() {
	f.scheduled = append(f.scheduled, fn)
	return func() {}
}
func (f *fakeTrait) Bump()                                      {}
func (f *fakeTrait) Store() *monstore.Store                     { return nil }
func (f *fakeTrait) Monmap() *monmap.MonMap                     { return f.mm }
func (f *fakeTrait) Rank() int                                  { return f.rank }
func (f *fakeTrait) Name() string                               { return "mon" }
func (f *fakeTrait) Fsid() uuid.UUID                            { return f.mm.Fsid }
func (f *fakeTrait) Started() time.Time                         { return time.Time{} }
func (f *fakeTrait) Leadership() (int, bool)                    { return f.rank, true }
func (f *fakeTrait) QuorumSize() int                            { return 1 }
func (f *fakeTrait) Reset(reason string)                        {}
func (f *fakeTrait) Stop()                                      {}
func (f *fakeTrait) WatchPeer(rank int, d time.Duration)        {}
func (f *fakeTrait) UnwatchPeer(rank int)                       {}
func (f *fakeTrait) PeerHealthy(rank int) bool                  { return true }

var _ montrait.Trait = (*fakeTrait)(nil)

func TestSyncTransfersAllKeys(t *testing.T) {
	mm, err := monmap.New(uuid.New(), []monmap.Peer{
		{Rank: 0, Name: "a", AddrRaw: []string{"http://10.0.0.1:1"}},
		{Rank: 1, Name: "b", AddrRaw: []string{"http://10.0.0.2:1"}},
	}, 0)
	require.NoError(t, err)

	providerStore, err := monstore.Open(zap.NewNop(), t.TempDir())
	require.NoError(t, err)
	defer providerStore.Close()
	requesterStore, err := monstore.Open(zap.NewNop(), t.TempDir())
	require.NoError(t, err)
	defer requesterStore.Close()

	txn := monstore.NewTransaction()
	for _, k := range []string{"1", "2", "3"} {
		txn.Put("osdmap", k, []byte("v"+k))
	}
	require.NoError(t, providerStore.PutTransaction(txn))

	var requesterMgr, providerMgr *Manager
	requesterTrait := &fakeTrait{rank: 1, mm: mm}
	providerTrait := &fakeTrait{rank: 0, mm: mm}

	providerMgr = NewManager(zap.NewNop(), providerTrait, providerStore, time.Second)
	requesterMgr = NewManager(zap.NewNop(), requesterTrait, requesterStore, time.Second)
	requesterTrait.peer = providerMgr
	providerTrait.peer = requesterMgr

	var done bool
	requesterMgr.StartRequester(0, "provider", func() { done = true })

	require.True(t, done)
	kvs, err := requesterStore.CollectRange("osdmap", "", "")
	require.NoError(t, err)
	require.Len(t, kvs, 3)
}

func TestOnlyOneRequesterSessionAtATime(t *testing.T) {
	mm, err := monmap.New(uuid.New(), []monmap.Peer{
		{Rank: 0, Name: "a", AddrRaw: []string{"http://10.0.0.1:1"}},
	}, 0)
	require.NoError(t, err)

	store, err := monstore.Open(zap.NewNop(), t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	tr := &fakeTrait{rank: 0, mm: mm}
	mgr := NewManager(zap.NewNop(), tr, store, time.Second)
	tr.peer = mgr // loops back to itself harmlessly for this assertion-only test

	mgr.StartRequester(0, "x", func() {})
	// second call while the first is still pending should be ignored, not panic.
	mgr.StartRequester(0, "y", func() {})
}

func TestHeartbeatSentOnBothSidesAndSafeAfterCompletion(t *testing.T) {
	mm, err := monmap.New(uuid.New(), []monmap.Peer{
		{Rank: 0, Name: "a", AddrRaw: []string{"http://10.0.0.1:1"}},
		{Rank: 1, Name: "b", AddrRaw: []string{"http://10.0.0.2:1"}},
	}, 0)
	require.NoError(t, err)

	providerStore, err := monstore.Open(zap.NewNop(), t.TempDir())
	require.NoError(t, err)
	defer providerStore.Close()
	requesterStore, err := monstore.Open(zap.NewNop(), t.TempDir())
	require.NoError(t, err)
	defer requesterStore.Close()

	txn := monstore.NewTransaction()
	txn.Put("osdmap", "1", []byte("v1"))
	require.NoError(t, providerStore.PutTransaction(txn))

	requesterTrait := &fakeTrait{rank: 1, mm: mm, selfAddr: "provider"}
	providerTrait := &fakeTrait{rank: 0, mm: mm, selfAddr: "requester"}

	providerMgr := NewManager(zap.NewNop(), providerTrait, providerStore, 3*time.Second)
	requesterMgr := NewManager(zap.NewNop(), requesterTrait, requesterStore, 3*time.Second)
	requesterTrait.peer = providerMgr
	providerTrait.peer = requesterMgr

	var done bool
	requesterMgr.StartRequester(0, "provider", func() { done = true })
	require.True(t, done)

	// both sides armed at least one timeout and one heartbeat during the
	// session, even though the transfer itself finished synchronously.
	require.GreaterOrEqual(t, len(requesterTrait.scheduled), 2)
	require.GreaterOrEqual(t, len(providerTrait.scheduled), 2)
	require.Contains(t, providerTrait.sent, wire.TypeSyncStartReply)

	// firing every stale closure after the session has already finished
	// must not panic, even though it re-triggers a finish message: the
	// session is already gone from both managers' bookkeeping.
	require.NotPanics(t, func() {
		for _, fn := range requesterTrait.scheduled {
			fn()
		}
		for _, fn := range providerTrait.scheduled {
			fn()
		}
	})
}
