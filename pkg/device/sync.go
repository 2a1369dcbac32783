package device

import (
	"sync"

	"github.com/srediag/dmaring/pkg/dma"
)

// synchronizer is shared by both directions of a full-duplex device. It is
// enabled by the first direction to start and disabled only once both have
// stopped.
type synchronizer struct {
	mu     sync.Mutex
	active [2]bool
	on     bool
}

// join marks dir active and reports whether this enabled the synchronizer.
func (s *synchronizer) join(dir dma.Direction) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[dir&1] = true
	if s.on {
		return false
	}
	s.on = true
	return true
}

// leave marks dir inactive and reports whether this disabled the synchronizer.
func (s *synchronizer) leave(dir dma.Direction) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[dir&1] = false
	if !s.on || s.active[0] || s.active[1] {
		return false
	}
	s.on = false
	return true
}

func (s *synchronizer) enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.on
}
