// Package logsvc hosts the cluster-log paxos service: an append-only
// sequence of log entries, committed through internal/paxos one version
// per batch. Per spec.md §1 log consumers (syslog forwarding, graylog)
// are out of scope; this type only retains the most recent entries for
// the "log last N" admin command.
//
// Grounded on Monitor.h's LogMonitor accessor (original_source).
package logsvc

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Entry is one cluster log line.
type Entry struct {
	When time.Time `json:"when"`
	Text string    `json:"text"`
}

const maxRetained = 1000

// Service retains the most recent log entries committed.
type Service struct {
	lg *zap.Logger

	mu      sync.RWMutex
	version uint64
	entries []Entry
}

// New returns an empty Service.
func New(lg *zap.Logger) *Service {
	return &Service{lg: lg.Named("log")}
}

// OnCommit appends one committed batch, bounding retention at maxRetained.
func (s *Service) OnCommit(version uint64, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version <= s.version {
		return
	}
	s.version = version
	s.entries = append(s.entries, Entry{When: time.Now().UTC(), Text: string(value)})
	if len(s.entries) > maxRetained {
		s.entries = s.entries[len(s.entries)-maxRetained:]
	}
}

// Last returns the n most recent entries (fewer if not that many exist).
func (s *Service) Last(n int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n > len(s.entries) {
		n = len(s.entries)
	}
	out := make([]Entry, n)
	copy(out, s.entries[len(s.entries)-n:])
	return out
}

// Dump implements the "log last <n>" admin command.
func (s *Service) Dump(argv []string) (rc int, kind, reason, output string) {
	n := 10
	if len(argv) > 2 {
		fmt.Sscanf(argv[2], "%d", &n)
	}
	var sb []byte
	for _, e := range s.Last(n) {
		sb = append(sb, fmt.Sprintf("%s %s\n", e.When.Format(time.RFC3339), e.Text)...)
	}
	return 0, "", "", string(sb)
}
