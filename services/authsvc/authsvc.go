// Package authsvc hosts the authentication-key-ring paxos service: a
// monotonically versioned blob of principal -> capability-string entries,
// committed through internal/paxos. Per spec.md §1 the cryptographic
// protocol itself (cephx-equivalent key rotation/challenge-response) is
// out of scope; ParseCaps in internal/router already implements the
// capability-string grammar this service's entries are expressed in.
//
// Grounded on Monitor.h's AuthMonitor accessor (original_source).
package authsvc

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Service holds the latest committed key ring in memory.
type Service struct {
	lg *zap.Logger

	mu      sync.RWMutex
	version uint64
	caps    map[string]string // principal -> "allow rw" style capability string
}

// New returns an empty Service.
func New(lg *zap.Logger) *Service {
	return &Service{lg: lg.Named("auth"), caps: map[string]string{}}
}

// OnCommit decodes and adopts a newly committed key ring.
func (s *Service) OnCommit(version uint64, value []byte) {
	var caps map[string]string
	if err := json.Unmarshal(value, &caps); err != nil {
		s.lg.Error("failed to decode committed key ring", zap.Error(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if version <= s.version {
		return
	}
	s.version = version
	s.caps = caps
}

// CapsFor returns the capability string granted to principal, or "" if
// the principal has no entry.
func (s *Service) CapsFor(principal string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.caps[principal]
}

// Dump implements the "auth list" admin command.
func (s *Service) Dump(argv []string) (rc int, kind, reason, output string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return 0, "", "", fmt.Sprintf("version=%d principals=%d", s.version, len(s.caps))
}
