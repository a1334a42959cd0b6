// Package mdscache declares the MDS cache-expire message types the
// monitor's mdsmap service references when deciding an MDS rank has
// stopped renewing its lease. Per spec.md §1 the MDS cache itself is out
// of scope; only the message shape crosses the monitor boundary.
//
// Grounded on original_source/src/messages/MCacheExpire.h.
package mdscache

// InodeRef identifies one cached inode an MDS rank is releasing.
type InodeRef struct {
	Ino     uint64 `json:"ino"`
	Nonce   uint32 `json:"nonce"`
	Realm   uint64 `json:"realm"`
}

// CacheExpire is sent MDS-rank to MDS-rank (never through the monitor);
// the monitor only needs its Rank field to correlate with mdsmap entries
// when an MDS reports itself laggy via the admin surface.
type CacheExpire struct {
	FromRank int        `json:"from_rank"`
	Inodes   []InodeRef `json:"inodes"`
}
