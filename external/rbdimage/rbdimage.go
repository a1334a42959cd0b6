// Package rbdimage declares the block-image library's interface as seen
// by the monitor: the operations a client library needs from a formed
// quorum (the current osdmap epoch and a stream of epoch changes) to
// safely map/unmap a block device; no lock operation is part of it. Per spec.md §1 the image format and I/O path are entirely
// out of scope; only the monitor-facing surface is modeled.
//
// Grounded on original_source/src/librbd/librbd.cc's public entry points
// (rbd_open/rbd_close/rbd_lock_*), narrowed to what they ask of a monitor
// quorum rather than their OSD I/O behavior.
package rbdimage

import "context"

// MonitorClient is the subset of monitor operations an image library
// needs: the current osdmap epoch (to validate placement) and a stream of
// osdmap epoch changes. It has no lock operation and does not use
// external/clslock.
type MonitorClient interface {
	// OSDMapEpoch returns the monitor's last committed osdmap epoch.
	OSDMapEpoch(ctx context.Context) (uint64, error)
	// WatchOSDMap streams osdmap epoch changes until ctx is cancelled.
	WatchOSDMap(ctx context.Context) (<-chan uint64, error)
}
