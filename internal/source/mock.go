package source

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/imcatta/poselink/internal/types"
)

// MockSource generates synthetic frames for testing and for running the
// pipeline without a camera attached
type MockSource struct {
	width  int
	height int
	fps    int

	inbox  mailbox
	stopCh chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup

	mu        sync.RWMutex
	seq       uint64
	err       error
	isRunning bool
	startTime time.Time
}

// NewMockSource creates a new synthetic frame source
func NewMockSource(width, height, fps int) *MockSource {
	return &MockSource{
		width:  width,
		height: height,
		fps:    fps,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start begins generating frames
func (m *MockSource) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return fmt.Errorf("source already running")
	}
	m.isRunning = true
	m.startTime = time.Now()
	m.mu.Unlock()

	slog.Info("mock source starting",
		"width", m.width,
		"height", m.height,
		"fps", m.fps,
	)

	m.wg.Add(1)
	go m.generateFrames(ctx)

	return nil
}

// Latest returns the most recent synthetic frame
func (m *MockSource) Latest() (types.Frame, bool) {
	return m.inbox.latest()
}

// FrameRate returns the configured frame rate
func (m *MockSource) FrameRate() float64 {
	return float64(m.fps)
}

// Done is closed when the generator exits
func (m *MockSource) Done() <-chan struct{} {
	return m.done
}

// Err returns the terminating error, always nil for the mock
func (m *MockSource) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

// Stop stops the source
func (m *MockSource) Stop() error {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return nil
	}
	m.isRunning = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	emitted, drops := m.inbox.counters()
	slog.Info("mock source stopped",
		"frames_emitted", emitted,
		"frames_dropped", drops,
		"duration", time.Since(m.startTime),
	)

	return nil
}

// Stats returns source statistics
func (m *MockSource) Stats() types.SourceStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	emitted, drops := m.inbox.counters()

	var fpsReal float64
	if emitted > 0 {
		elapsed := time.Since(m.startTime).Seconds()
		if elapsed > 0 {
			fpsReal = float64(emitted) / elapsed
		}
	}

	return types.SourceStats{
		FramesEmitted: emitted,
		FramesDropped: drops,
		FPSTarget:     float64(m.fps),
		FPSReal:       fpsReal,
		IsRunning:     m.isRunning,
	}
}

// generateFrames produces frames at the target FPS
func (m *MockSource) generateFrames(ctx context.Context) {
	defer m.wg.Done()
	defer close(m.done)

	frameDuration := time.Second / time.Duration(m.fps)
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.inbox.publish(m.createFrame())
		}
	}
}

// createFrame creates a synthetic RGB24 frame
func (m *MockSource) createFrame() types.Frame {
	m.mu.Lock()
	seq := m.seq
	m.seq++
	m.mu.Unlock()

	// Black frame; content does not matter for pipeline behavior
	data := make([]byte, m.width*m.height*3)

	return types.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     m.width,
		Height:    m.height,
		Data:      data,
		TraceID:   uuid.New().String(),
	}
}
