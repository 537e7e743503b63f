package meshsync

import (
	"sync"

	"github.com/densemesh/densemesh/volume"
)

// State is the per-session mesh synchronization bookkeeping.
type State struct {
	registerOnce sync.Once
	restoreOnce  sync.Once

	mutex   sync.Mutex
	forward volume.Vec3
	saved   map[int64]struct{}
}

func (s *State) setForward(v volume.Vec3) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.forward = v
}

func (s *State) viewerForward() volume.Vec3 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.forward
}

// markSaved records that a cell's completion metadata hit the store.
// Reports whether the cell was already saved.
func (s *State) markSaved(key int64) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.saved == nil {
		s.saved = make(map[int64]struct{})
	}
	if _, ok := s.saved[key]; ok {
		return true
	}
	s.saved[key] = struct{}{}
	return false
}
