// Package osdmap hosts the OSD map paxos service: a monotonically
// versioned blob keyed by epoch, committed through internal/paxos and
// exposed to the router's command surface. Per spec.md §1, the actual
// semantics of an OSD map (CRUSH rules, device state) are out of scope;
// this type is the minimal black box a paxos.Instance needs to drive.
//
// Grounded on Monitor.h's OSDMonitor accessor and the shape of its own
// update_from_paxos/encode_pending pair (original_source), generalized to
// every domain service in this package family.
package osdmap

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/hyc/ceph/internal/monerr"
)

// Service holds the latest committed osdmap blob in memory, mirroring what
// paxos.Instance already persists durably; callers needing history use
// paxos.Instance.Get directly.
type Service struct {
	lg *zap.Logger

	mu       sync.RWMutex
	version  uint64
	blob     []byte
	proposer func([]byte) error
}

// New returns an empty Service; OnCommit is the paxos.ServiceCallback to
// register via Monitor.RegisterService("osdmap", ..., svc.OnCommit).
func New(lg *zap.Logger) *Service {
	return &Service{lg: lg.Named("osdmap")}
}

// BindProposer wires the "osdmap set" admin command to the paxos.Instance
// hosting this service, normally Monitor.RegisterService's returned
// Instance's Propose method. Until bound, "osdmap set" fails closed.
func (s *Service) BindProposer(propose func([]byte) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proposer = propose
}

// OnCommit applies one committed version. paxos.Instance has already
// persisted it before invoking this callback, so this only updates
// in-memory state.
func (s *Service) OnCommit(version uint64, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version <= s.version {
		return
	}
	s.version = version
	s.blob = append([]byte(nil), value...)
	s.lg.Debug("osdmap updated", zap.Uint64("version", version), zap.Int("bytes", len(value)))
}

// Current returns the latest committed version and blob.
func (s *Service) Current() (uint64, []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version, append([]byte(nil), s.blob...)
}

// Dispatch implements the "osdmap <dump|set>" admin command surface, per
// spec.md §4.7. It is the CommandHandler registered with internal/router.
func (s *Service) Dispatch(argv []string) (rc int, kind, reason, output string) {
	if len(argv) < 2 || argv[1] == "dump" {
		v, blob := s.Current()
		return 0, "", "", fmt.Sprintf("epoch=%d bytes=%d", v, len(blob))
	}
	if argv[1] == "set" {
		return s.set(argv)
	}
	return 1, monerr.KindCommandUnknown.String(), fmt.Sprintf("unknown osdmap subcommand %q", argv[1]), ""
}

// set proposes argv[2] as the next osdmap blob through this service's
// paxos.Instance; the caller (internal/router.Dispatch) has already
// confirmed this peer is leader before invoking a write command.
func (s *Service) set(argv []string) (rc int, kind, reason, output string) {
	if len(argv) < 3 {
		return 1, monerr.KindConfigInvalid.String(), "usage: osdmap set <blob>", ""
	}
	s.mu.RLock()
	propose := s.proposer
	s.mu.RUnlock()
	if propose == nil {
		return 1, monerr.KindNotLeader.String(), "osdmap write path not bound to a paxos instance", ""
	}
	if err := propose([]byte(argv[2])); err != nil {
		return 1, monerr.KindNotLeader.String(), err.Error(), ""
	}
	return 0, "", "", "proposed"
}
