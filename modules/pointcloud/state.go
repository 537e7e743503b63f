package pointcloud

import (
	"sync"

	"github.com/densemesh/densemesh/messages"
)

// State is the per-session sample intake. Samples received on WebSocket
// goroutines are buffered here and flushed into the volume on session frames.
type State struct {
	registerOnce sync.Once

	mutex   sync.Mutex
	pending []messages.DepthSample
}

func (s *State) buffer(samples []messages.DepthSample) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.pending = append(s.pending, samples...)
}

func (s *State) drain() []messages.DepthSample {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	pending := s.pending
	s.pending = nil
	return pending
}

func (s *State) pendingCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return len(s.pending)
}
