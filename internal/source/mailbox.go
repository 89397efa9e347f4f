package source

import (
	"sync"

	"github.com/imcatta/poselink/internal/types"
)

// mailbox is a single-slot frame buffer with overwrite policy.
// Publish replaces any unconsumed frame (counted as a drop), Latest
// returns the current frame without removing it. Drops are expected and
// healthy: the consumer samples slower than the source produces.
type mailbox struct {
	mu       sync.RWMutex
	frame    types.Frame
	hasFrame bool
	consumed bool
	emitted  uint64
	drops    uint64
}

// publish stores a frame, overwriting any unconsumed one
func (m *mailbox) publish(frame types.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hasFrame && !m.consumed {
		m.drops++
	}
	m.frame = frame
	m.hasFrame = true
	m.consumed = false
	m.emitted++
}

// latest returns the most recent frame without blocking
func (m *mailbox) latest() (types.Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.hasFrame {
		return types.Frame{}, false
	}
	m.consumed = true
	return m.frame, true
}

func (m *mailbox) counters() (emitted, drops uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.emitted, m.drops
}
