// Package clsrgw declares the object-class bucket-index encoding/op types
// external/gwadmin's bucket inspection commands would decode. Per
// spec.md §1 the gateway's data path is out of scope; only the wire shape
// of a bucket-index entry is modeled, for admin-surface display.
//
// Grounded on original_source/src/cls/rgw/cls_rgw_ops.h.
package clsrgw

// BucketIndexEntry is one object's bucket-index record, the unit
// cmd/radosgw-admin's "bucket stats"-style command would render.
type BucketIndexEntry struct {
	Name         string `json:"name"`
	Size         uint64 `json:"size"`
	VersionedEpoch uint64 `json:"versioned_epoch"`
}
