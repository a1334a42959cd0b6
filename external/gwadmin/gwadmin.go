// Package gwadmin declares the radosgw admin CLI's interface as seen by
// the monitor: the command surface cmd/radosgw-admin dispatches against.
// Per spec.md §1 the S3/Swift gateway itself is out of scope.
//
// Grounded on original_source/src/rgw/rgw_admin.cc's command surface
// (user create/info, bucket list/stats), narrowed to the subset that is
// actually a monitor admin command rather than a gateway-internal op.
package gwadmin

// Client issues admin commands against a monitor quorum's auth/osdmap
// services on behalf of cmd/radosgw-admin.
type Client interface {
	// UserInfo reports the capability string for principal, per the
	// key-ring service's internal/router-compatible capability grammar.
	UserInfo(principal string) (caps string, err error)
	// UserCreate adds a principal with the given capability string.
	UserCreate(principal, caps string) error
	// BucketStats is a placeholder for data-path statistics the gateway
	// itself would serve; the monitor has no opinion on bucket contents,
	// so this always returns an error indicating the command doesn't
	// route through the monitor.
	BucketStats(bucket string) (string, error)
}
