// Package monerr defines the error-kind taxonomy of spec.md §7 and the
// propagation policy each kind carries (fatal, transient, or
// client-answerable). Every other package returns these sentinels wrapped
// with fmt.Errorf("...: %w", ...) so callers can errors.Is/As against them.
package monerr

import "errors"

// Kind identifies one of spec.md §7's error kinds.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfigInvalid
	KindStoreIOError
	KindStoreCorrupt
	KindNetworkUnreachable
	KindPeerEpochMismatch
	KindFsidMismatch
	KindFeatureIncompatible
	KindQuorumLost
	KindNotLeader
	KindBusy
	KindAuthDenied
	KindRequestTooLarge
	KindCommandUnknown
)

var kindNames = map[Kind]string{
	KindUnknown:             "Unknown",
	KindConfigInvalid:       "ConfigInvalid",
	KindStoreIOError:        "StoreIOError",
	KindStoreCorrupt:        "StoreCorrupt",
	KindNetworkUnreachable:  "NetworkUnreachable",
	KindPeerEpochMismatch:   "PeerEpochMismatch",
	KindFsidMismatch:        "FsidMismatch",
	KindFeatureIncompatible: "FeatureIncompatible",
	KindQuorumLost:          "QuorumLost",
	KindNotLeader:           "NotLeader",
	KindBusy:                "Busy",
	KindAuthDenied:          "AuthDenied",
	KindRequestTooLarge:     "RequestTooLarge",
	KindCommandUnknown:      "CommandUnknown",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "Unknown"
}

// sentinel errors, one per Kind, used with errors.Is/errors.As.
var (
	ErrConfigInvalid       = &kindError{KindConfigInvalid, "config invalid"}
	ErrStoreIOError        = &kindError{KindStoreIOError, "store I/O error"}
	ErrStoreCorrupt        = &kindError{KindStoreCorrupt, "store corrupt"}
	ErrNetworkUnreachable  = &kindError{KindNetworkUnreachable, "network unreachable"}
	ErrPeerEpochMismatch   = &kindError{KindPeerEpochMismatch, "peer epoch mismatch"}
	ErrFsidMismatch        = &kindError{KindFsidMismatch, "fsid mismatch"}
	ErrFeatureIncompatible = &kindError{KindFeatureIncompatible, "feature incompatible"}
	ErrQuorumLost          = &kindError{KindQuorumLost, "quorum lost"}
	ErrNotLeader           = &kindError{KindNotLeader, "not leader"}
	ErrBusy                = &kindError{KindBusy, "busy"}
	ErrAuthDenied          = &kindError{KindAuthDenied, "auth denied"}
	ErrRequestTooLarge     = &kindError{KindRequestTooLarge, "request too large"}
	ErrCommandUnknown      = &kindError{KindCommandUnknown, "command unknown"}
)

type kindError struct {
	kind Kind
	msg  string
}

func (e *kindError) Error() string { return e.msg }

// KindOf extracts the Kind from an error produced by this package, walking
// wrapped errors. Returns KindUnknown if err doesn't originate here.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindUnknown
}

// Fatal reports whether an error of this kind should abort the monitor
// process per spec.md §7's propagation policy (StoreIOError, StoreCorrupt).
func Fatal(err error) bool {
	switch KindOf(err) {
	case KindStoreIOError, KindStoreCorrupt:
		return true
	default:
		return false
	}
}

// Transient reports whether an error should simply be retried via timeout
// (NetworkUnreachable) rather than surfaced.
func Transient(err error) bool {
	return KindOf(err) == KindNetworkUnreachable
}
