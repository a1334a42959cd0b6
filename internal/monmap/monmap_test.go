package monmap

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func threePeers() []Peer {
	return []Peer{
		{Rank: 0, Name: "a", AddrRaw: []string{"http://10.0.0.1:6789"}},
		{Rank: 1, Name: "b", AddrRaw: []string{"http://10.0.0.2:6789"}},
		{Rank: 2, Name: "c", AddrRaw: []string{"http://10.0.0.3:6789"}},
	}
}

func TestNewAndMajority(t *testing.T) {
	mm, err := New(uuid.New(), threePeers(), 0)
	require.NoError(t, err)
	require.Equal(t, uint64(1), mm.Epoch)
	require.Equal(t, 3, mm.Size())
	require.Equal(t, 2, mm.Majority())
}

func TestDuplicateRankRejected(t *testing.T) {
	peers := threePeers()
	peers[1].Rank = 0
	_, err := New(uuid.New(), peers, 0)
	require.Error(t, err)
}

func TestWithPeersBumpsEpochAndLeavesOriginalUntouched(t *testing.T) {
	mm, err := New(uuid.New(), threePeers(), 0)
	require.NoError(t, err)

	next, err := mm.WithPeers(append(threePeers(), Peer{Rank: 3, Name: "d", AddrRaw: []string{"http://10.0.0.4:6789"}}))
	require.NoError(t, err)

	require.Equal(t, uint64(1), mm.Epoch)
	require.Equal(t, uint64(2), next.Epoch)
	require.Equal(t, 3, mm.Size())
	require.Equal(t, 4, next.Size())
}

func TestRankAndAddrLookups(t *testing.T) {
	mm, err := New(uuid.New(), threePeers(), 0)
	require.NoError(t, err)

	require.Equal(t, 1, mm.RankOf("b"))
	require.Equal(t, -1, mm.RankOf("zzz"))
	require.Equal(t, []string{"http://10.0.0.3:6789"}, mm.AddrOf(2))
	require.True(t, mm.Contains("http://10.0.0.1:6789"))
	require.False(t, mm.Contains("http://1.2.3.4:1"))
}

func TestMarshalRoundTrip(t *testing.T) {
	mm, err := New(uuid.New(), threePeers(), 7)
	require.NoError(t, err)

	b, err := mm.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(b)
	require.NoError(t, err)
	require.Equal(t, mm.Fsid, got.Fsid)
	require.Equal(t, mm.Epoch, got.Epoch)
	require.Equal(t, mm.Features, got.Features)
	require.Len(t, got.Peers, 3)
}

func TestPeerURLsParses(t *testing.T) {
	p := Peer{Rank: 0, Name: "a", AddrRaw: []string{"http://10.0.0.1:6789"}}
	urls, err := p.URLs()
	require.NoError(t, err)
	require.Len(t, urls, 1)
}
