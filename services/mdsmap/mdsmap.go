// Package mdsmap hosts the metadata-server map paxos service. Per spec.md
// §1 the MDS failover state machine itself is out of scope; this type is
// the minimal committed-blob holder a paxos.Instance drives.
//
// Grounded on Monitor.h's MDSMonitor accessor (original_source).
package mdsmap

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Service holds the latest committed mdsmap blob in memory.
type Service struct {
	lg *zap.Logger

	mu      sync.RWMutex
	version uint64
	blob    []byte
}

// New returns an empty Service.
func New(lg *zap.Logger) *Service {
	return &Service{lg: lg.Named("mdsmap")}
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
	s.lg.Debug("mdsmap updated", zap.Uint64("version", version), zap.Int("bytes", len(value)))
}

// Current returns the latest committed version and blob.
func (s *Service) Current() (uint64, []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version, append([]byte(nil), s.blob...)
}

// Dump implements the "mdsmap dump" admin command.
func (s *Service) Dump(argv []string) (rc int, kind, reason, output string) {
	v, blob := s.Current()
	return 0, "", "", fmt.Sprintf("epoch=%d bytes=%d", v, len(blob))
}
