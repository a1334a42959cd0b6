package paxos

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

type wireMsg struct {
	typ     wire.Type
	from    int
	payload any
}

type fakeTrait struct {
	rank  int
	mm    *monmap.MonMap
	store *monstore.Store
	out   *[]wireMsg
}

func (f *fakeTrait) Broadcast(typ wire.Type, payload any) {
	*f.out = append(*f.out, wireMsg{typ: typ, from: f.rank, payload: payload})
}
func (f *fakeTrait) Send(rank int, typ wire.Type, payload any) {
	*f.out = append(*f.out, wireMsg{typ: typ, from: f.rank, payload: payload})
}
func (f *fakeTrait) SendAddr(addr string, typ wire.Type, payload any) {}
func (f *fakeTrait) Schedule(d time.Duration, fn func()) func()      { return func() {} }
func (f *fakeTrait) Bump()                                           {}
func (f *fakeTrait) Store() *monstore.Store                          { return f.store }
func (f *fakeTrait) Monmap() *monmap.MonMap                          { return f.mm }
func (f *fakeTrait) Rank() int                                       { return f.rank }
func (f *fakeTrait) Name() string                                    { return "mon" }
func (f *fakeTrait) Fsid() uuid.UUID                                 { return f.mm.Fsid }
func (f *fakeTrait) Started() time.Time                              { return time.Time{} }
func (f *fakeTrait) Leadership() (int, bool)                         { return f.rank, true }
func (f *fakeTrait) QuorumSize() int                                 { return 1 }
func (f *fakeTrait) Reset(reason string)                             {}
func (f *fakeTrait) Stop()                                           {}
func (f *fakeTrait) WatchPeer(rank int, d time.Duration)             {}
func (f *fakeTrait) UnwatchPeer(rank int)                            {}
func (f *fakeTrait) PeerHealthy(rank int) bool                       { return true }

var _ montrait.Trait = (*fakeTrait)(nil)

func twoNodeFixture(t *testing.T) (leader, peon *Instance, leaderOut, peonOut *[]wireMsg) {
	t.Helper()
	mm, err := monmap.New(uuid.New(), []monmap.Peer{
		{Rank: 0, Name: "a", AddrRaw: []string{"http://10.0.0.1:1"}},
		{Rank: 1, Name: "b", AddrRaw: []string{"http://10.0.0.2:1"}},
	}, 0)
	require.NoError(t, err)

	leaderStore, err := monstore.Open(zap.NewNop(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { leaderStore.Close() })
	peonStore, err := monstore.Open(zap.NewNop(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { peonStore.Close() })

	lOut, pOut := &[]wireMsg{}, &[]wireMsg{}
	lTrait := &fakeTrait{rank: 0, mm: mm, store: leaderStore, out: lOut}
	pTrait := &fakeTrait{rank: 1, mm: mm, store: peonStore, out: pOut}

	var committedLeader, committedPeon []uint64
	leader, err = New(zap.NewNop(), lTrait, leaderStore, "osdmap", time.Second, time.Second, 500, 0,
		func(v uint64, val []byte) { committedLeader = append(committedLeader, v) }, nil)
	require.NoError(t, err)
	peon, err = New(zap.NewNop(), pTrait, peonStore, "osdmap", time.Second, time.Second, 500, 0,
		func(v uint64, val []byte) { committedPeon = append(committedPeon, v) }, nil)
	require.NoError(t, err)

	leader.BecomeLeader([]int{0, 1})
	peon.BecomePeon()
	*lOut, *pOut = nil, nil // discard recovery-request noise for the simple round-trip test
	return leader, peon, lOut, pOut
}

func TestProposeAcceptCommitRoundTrip(t *testing.T) {
	leader, peon, lOut, pOut := twoNodeFixture(t)

	require.NoError(t, leader.Propose([]byte("v1")))
	require.Len(t, *lOut, 1)
	begin := (*lOut)[0].payload.(wire.PaxosBeginPayload)
	*lOut = nil

	peon.HandleBegin(0, begin)
	require.Len(t, *pOut, 1)
	accept := (*pOut)[0].payload.(wire.PaxosAcceptPayload)
	*pOut = nil

	leader.HandleAccept(1, accept)
	require.NotEmpty(t, *lOut)

	var commitMsg *wire.PaxosCommitPayload
	for _, m := range *lOut {
		if m.typ == wire.TypePaxosCommit {
			c := m.payload.(wire.PaxosCommitPayload)
			commitMsg = &c
		}
	}
	require.NotNil(t, commitMsg)

	peon.HandleCommit(*commitMsg)

	require.Equal(t, uint64(1), leader.LastCommitted())
	require.Equal(t, uint64(1), peon.LastCommitted())

	val, err := peon.Get(1)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), val)
}

func TestCommitIsIdempotent(t *testing.T) {
	_, peon, _, _ := twoNodeFixture(t)

	commit := wire.PaxosCommitPayload{Service: "osdmap", Version: 1, Value: []byte("v1")}
	peon.HandleCommit(commit)
	peon.HandleCommit(commit)

	require.Equal(t, uint64(1), peon.LastCommitted())
}

func TestBeginRejectsLowerProposalNumber(t *testing.T) {
	_, peon, _, pOut := twoNodeFixture(t)

	peon.HandleBegin(0, wire.PaxosBeginPayload{Service: "osdmap", PN: wire.PN{Counter: 5, Rank: 0}, Version: 1, Value: []byte("a")})
	require.Len(t, *pOut, 1)
	*pOut = nil

	peon.HandleBegin(0, wire.PaxosBeginPayload{Service: "osdmap", PN: wire.PN{Counter: 3, Rank: 0}, Version: 1, Value: []byte("b")})
	require.Empty(t, *pOut)
}

func commitOneRound(t *testing.T, leader, peon *Instance, lOut, pOut *[]wireMsg, value []byte) {
	t.Helper()
	require.NoError(t, leader.Propose(value))
	begin := lastOfType(*lOut, wire.TypePaxosBegin).(wire.PaxosBeginPayload)
	*lOut = nil

	peon.HandleBegin(0, begin)
	accept := lastOfType(*pOut, wire.TypePaxosAccept).(wire.PaxosAcceptPayload)
	*pOut = nil

	leader.HandleAccept(1, accept)
	commit := lastOfType(*lOut, wire.TypePaxosCommit).(wire.PaxosCommitPayload)
	*lOut = nil

	peon.HandleCommit(commit)
}

func lastOfType(msgs []wireMsg, typ wire.Type) any {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].typ == typ {
			return msgs[i].payload
		}
	}
	return nil
}

func TestTrimRemovesOldVersions(t *testing.T) {
	leader, peon, lOut, pOut := twoNodeFixture(t)

	for i := 0; i < 5; i++ {
		commitOneRound(t, leader, peon, lOut, pOut, []byte("x"))
	}
	require.Equal(t, uint64(5), leader.LastCommitted())

	leader.trimMin = 2
	require.NoError(t, leader.Trim())
	require.Equal(t, uint64(4), leader.FirstCommitted())

	val, err := leader.Get(1)
	require.NoError(t, err)
	require.Nil(t, val)
}
