// Package monmapsvc hosts the monmap paxos service itself: membership
// changes (add/remove a monitor) are committed through internal/paxos like
// any other service, so every monitor learns of a new membership epoch
// through the same replicated log rather than a side channel.
//
// Grounded on Monitor.h's MonmapMonitor accessor (original_source), which
// treats the monmap as just another paxos-backed service.
package monmapsvc

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/hyc/ceph/internal/monmap"
)

// Service holds the latest committed MonMap and notifies a caller-supplied
// callback so internal/mon can swap its own view.
type Service struct {
	lg       *zap.Logger
	onChange func(*monmap.MonMap)

	mu sync.RWMutex
	mm *monmap.MonMap
}

// New returns a Service seeded with the bootstrap monmap. onChange fires
// synchronously from OnCommit, on the paxos commit path, whenever a new
// epoch commits.
func New(lg *zap.Logger, initial *monmap.MonMap, onChange func(*monmap.MonMap)) *Service {
	return &Service{lg: lg.Named("monmap"), mm: initial, onChange: onChange}
}

// OnCommit decodes and adopts a newly committed monmap, discarding any
// commit at or behind the currently known epoch (paxos guarantees
// monotonic versions, but epochs are a property of the value, not the
// paxos version number, so this double-checks).
func (s *Service) OnCommit(version uint64, value []byte) {
	next, err := monmap.Unmarshal(value)
	if err != nil {
		s.lg.Error("failed to decode committed monmap", zap.Error(err))
		return
	}
	s.mu.Lock()
	if next.Epoch <= s.mm.Epoch {
		s.mu.Unlock()
		return
	}
	s.mm = next
	s.mu.Unlock()

	s.lg.Info("monmap epoch advanced", zap.Uint64("epoch", next.Epoch), zap.Int("size", next.Size()))
	if s.onChange != nil {
		s.onChange(next)
	}
}

// Current returns the latest committed monmap.
func (s *Service) Current() *monmap.MonMap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mm
}

// Dump implements the "mon dump" admin command.
func (s *Service) Dump(argv []string) (rc int, kind, reason, output string) {
	mm := s.Current()
	return 0, "", "", fmt.Sprintf("epoch=%d size=%d", mm.Epoch, mm.Size())
}
