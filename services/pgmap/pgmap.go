// Package pgmap hosts the placement-group map paxos service: a
// monotonically versioned blob tracking PG state, committed through
// internal/paxos. Per spec.md §1 the PG state machine itself (peering,
// scrub, recovery accounting) is out of scope.
//
// Grounded on Monitor.h's PGMonitor accessor (original_source), following
// the same Service shape services/osdmap establishes.
package pgmap

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Service holds the latest committed pgmap blob in memory.
type Service struct {
	lg *zap.Logger

	mu      sync.RWMutex
	version uint64
	blob    []byte
}

// New returns an empty Service.
func New(lg *zap.Logger) *Service {
	return &Service{lg: lg.Named("pgmap")}
}

// OnCommit applies one committed version.
func (s *Service) OnCommit(version uint64, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version <= s.version {
		return
	}
	s.version = version
	s.blob = append([]byte(nil), value...)
	s.lg.Debug("pgmap updated", zap.Uint64("version", version), zap.Int("bytes", len(value)))
}

// Current returns the latest committed version and blob.
func (s *Service) Current() (uint64, []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version, append([]byte(nil), s.blob...)
}

// Dump implements the "pgmap dump" admin command.
func (s *Service) Dump(argv []string) (rc int, kind, reason, output string) {
	v, blob := s.Current()
	return 0, "", "", fmt.Sprintf("epoch=%d bytes=%d", v, len(blob))
}
