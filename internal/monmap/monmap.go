// Package monmap implements the monitor membership snapshot: an ordered,
// versioned list of {rank, name, address} peers, grounded on
// server/etcdserver/api/membership/member.go's Member/Attributes split.
package monmap

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	clientpkgtypes "go.etcd.io/etcd/client/pkg/v3/types"
)

// Peer is one member of the monmap.
type Peer struct {
	Rank    int      `json:"rank"`
	Name    string   `json:"name"`
	AddrRaw []string `json:"addr"`
}

// URLs parses AddrRaw into the well-formed client.pkg/types.URLs the rest
// of the stack (transport dialing, probe targets) consumes.
func (p Peer) URLs() (clientpkgtypes.URLs, error) {
	return clientpkgtypes.NewURLs(p.AddrRaw)
}

// MonMap is an immutable membership snapshot identified by Epoch. A new
// MonMap is produced, never mutated, whenever membership changes; callers
// hold a reference to one snapshot at a time (spec.md §5 "copy-on-update").
type MonMap struct {
	Fsid     uuid.UUID `json:"fsid"`
	Epoch    uint64    `json:"epoch"`
	Peers    []Peer    `json:"peers"`
	Created  time.Time `json:"created"`
	Features uint64    `json:"features"`
}

// New builds the first (epoch 1) monmap for a freshly mkfs'd cluster.
func New(fsid uuid.UUID, peers []Peer, features uint64) (*MonMap, error) {
	mm := &MonMap{
		Fsid:     fsid,
		Epoch:    1,
		Peers:    append([]Peer(nil), peers...),
		Created:  time.Now().UTC(),
		Features: features,
	}
	sort.Slice(mm.Peers, func(i, j int) bool { return mm.Peers[i].Rank < mm.Peers[j].Rank })
	if err := mm.validate(); err != nil {
		return nil, err
	}
	return mm, nil
}

// WithPeers returns a new MonMap (epoch+1) with an updated peer list. The
// receiver is left untouched; monmap snapshots are copy-on-update.
func (m *MonMap) WithPeers(peers []Peer) (*MonMap, error) {
	next := &MonMap{
		Fsid:     m.Fsid,
		Epoch:    m.Epoch + 1,
		Peers:    append([]Peer(nil), peers...),
		Created:  m.Created,
		Features: m.Features,
	}
	sort.Slice(next.Peers, func(i, j int) bool { return next.Peers[i].Rank < next.Peers[j].Rank })
	if err := next.validate(); err != nil {
		return nil, err
	}
	return next, nil
}

func (m *MonMap) validate() error {
	seen := map[int]bool{}
	for _, p := range m.Peers {
		if seen[p.Rank] {
			return fmt.Errorf("monmap: duplicate rank %d", p.Rank)
		}
		seen[p.Rank] = true
	}
	return nil
}

// Size returns the number of peers in the map.
func (m *MonMap) Size() int { return len(m.Peers) }

// Majority returns the smallest quorum size (> size/2) required to commit.
func (m *MonMap) Majority() int { return m.Size()/2 + 1 }

// RankOf returns the rank of the named peer, or -1 if not found.
func (m *MonMap) RankOf(name string) int {
	for _, p := range m.Peers {
		if p.Name == name {
			return p.Rank
		}
	}
	return -1
}

// AddrOf returns the addresses of the peer at rank, or nil if out of range.
func (m *MonMap) AddrOf(rank int) []string {
	for _, p := range m.Peers {
		if p.Rank == rank {
			return p.AddrRaw
		}
	}
	return nil
}

// NameOf returns the name of the peer at rank, or "" if out of range.
func (m *MonMap) NameOf(rank int) string {
	for _, p := range m.Peers {
		if p.Rank == rank {
			return p.Name
		}
	}
	return ""
}

// Contains reports whether addr matches any peer's address list.
func (m *MonMap) Contains(addr string) bool {
	for _, p := range m.Peers {
		for _, a := range p.AddrRaw {
			if a == addr {
				return true
			}
		}
	}
	return false
}

// Marshal encodes the monmap for persistence/wire transfer.
func (m *MonMap) Marshal() ([]byte, error) { return json.Marshal(m) }

// Unmarshal decodes a monmap previously produced by Marshal.
func Unmarshal(b []byte) (*MonMap, error) {
	var m MonMap
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
