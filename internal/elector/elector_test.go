package elector

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hyc/ceph/internal/monmap"
	"github.com/hyc/ceph/internal/monstore"
	"github.com/hyc/ceph/internal/wire"
)

type fakeTrait struct {
	rank       int
	mm         *monmap.MonMap
	broadcasts []any
	scheduled  []func()
}

func (f *fakeTrait) Broadcast(typ wire.Type, payload any) {
	f.broadcasts = append(f.broadcasts, payload)
}
func (f *fakeTrait) Send(rank int, typ wire.Type, payload any)        {}
func (f *fakeTrait) SendAddr(addr string, typ wire.Type, payload any) {}
func (f *fakeTrait) Schedule(d time.Duration, fn func()) func() {
	f.scheduled = append(f.scheduled, fn)
	idx := len(f.scheduled) - 1
	return func() { f.scheduled[idx] = nil }
}
func (f *fakeTrait) Bump()                  {}
func (f *fakeTrait) Store() *monstore.Store { return nil }
func (f *fakeTrait) Monmap() *monmap.MonMap { return f.mm }
func (f *fakeTrait) Rank() int              { return f.rank }
func (f *fakeTrait) Name() string           { return "mon" }
func (f *fakeTrait) Fsid() uuid.UUID        { return f.mm.Fsid }
func (f *fakeTrait) Started() time.Time     { return time.Time{} }
func (f *fakeTrait) Leadership() (int, bool)            { return f.rank, true }
func (f *fakeTrait) QuorumSize() int                    { return 1 }
func (f *fakeTrait) Stop()                              {}
func (f *fakeTrait) WatchPeer(rank int, d time.Duration) {}
func (f *fakeTrait) UnwatchPeer(rank int)                {}
func (f *fakeTrait) PeerHealthy(rank int) bool           { return true }
func (f *fakeTrait) Reset(reason string)    {}

func (f *fakeTrait) fireLastTimeout() {
	for i := len(f.scheduled) - 1; i >= 0; i-- {
		if f.scheduled[i] != nil {
			fn := f.scheduled[i]
			f.scheduled[i] = nil
			fn()
			return
		}
	}
}

func threeRankMonmap(t *testing.T) *monmap.MonMap {
	t.Helper()
	mm, err := monmap.New(uuid.New(), []monmap.Peer{
		{Rank: 0, Name: "a", AddrRaw: []string{"http://10.0.0.1:1"}},
		{Rank: 1, Name: "b", AddrRaw: []string{"http://10.0.0.2:1"}},
		{Rank: 2, Name: "c", AddrRaw: []string{"http://10.0.0.3:1"}},
	}, 0)
	require.NoError(t, err)
	return mm
}

func TestSinglePeerShortcutsToVictory(t *testing.T) {
	mm, err := monmap.New(uuid.New(), []monmap.Peer{{Rank: 0, Name: "a", AddrRaw: []string{"http://10.0.0.1:1"}}}, 0)
	require.NoError(t, err)
	ft := &fakeTrait{rank: 0, mm: mm}

	var victoryEpoch uint64
	New(zap.NewNop(), ft, time.Second, 0, Callbacks{
		OnVictory: func(epoch uint64, quorum []int) { victoryEpoch = epoch },
	})

	require.Equal(t, uint64(2), victoryEpoch)
}

func TestLowestRankWinsUncontested(t *testing.T) {
	mm := threeRankMonmap(t)
	ft := &fakeTrait{rank: 0, mm: mm}

	var victoryEpoch uint64
	var quorum []int
	e := New(zap.NewNop(), ft, time.Second, 0, Callbacks{
		OnVictory: func(epoch uint64, q []int) { victoryEpoch = epoch; quorum = q },
	})
	require.Equal(t, uint64(1), e.Epoch())

	e.HandlePropose(1, wire.ProposePayload{Epoch: 1, Rank: 1})
	e.HandlePropose(2, wire.ProposePayload{Epoch: 1, Rank: 2})
	ft.fireLastTimeout()

	require.Equal(t, uint64(2), victoryEpoch)
	require.ElementsMatch(t, []int{0, 1, 2}, quorum)
}

func TestHigherRankDefersToLowerRank(t *testing.T) {
	mm := threeRankMonmap(t)
	ft := &fakeTrait{rank: 2, mm: mm}

	var declaredVictory bool
	e := New(zap.NewNop(), ft, time.Second, 0, Callbacks{
		OnVictory: func(uint64, []int) { declaredVictory = true },
	})

	e.HandlePropose(0, wire.ProposePayload{Epoch: 1, Rank: 0})
	ft.fireLastTimeout()

	require.False(t, declaredVictory)
}

func TestHandleVictoryConcludesAsDefeated(t *testing.T) {
	mm := threeRankMonmap(t)
	ft := &fakeTrait{rank: 1, mm: mm}

	var defeatedEpoch uint64
	var leader int
	e := New(zap.NewNop(), ft, time.Second, 0, Callbacks{
		OnDefeat: func(epoch uint64, l int, q []int) { defeatedEpoch = epoch; leader = l },
	})

	e.HandleVictory(wire.VictoryPayload{Epoch: 2, Leader: 0, Quorum: []int{0, 1, 2}})

	require.Equal(t, uint64(2), defeatedEpoch)
	require.Equal(t, 0, leader)
}

func TestStaleEpochProposeIgnored(t *testing.T) {
	mm := threeRankMonmap(t)
	ft := &fakeTrait{rank: 0, mm: mm}

	e := New(zap.NewNop(), ft, time.Second, 4, Callbacks{})
	require.Equal(t, uint64(5), e.Epoch())

	e.HandlePropose(1, wire.ProposePayload{Epoch: 3, Rank: 1})
	require.Equal(t, uint64(5), e.Epoch())
}
