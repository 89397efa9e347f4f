// Package extractor turns raster frames into pose keypoint sets through
// an opaque pose model.
package extractor

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/imcatta/poselink/internal/types"
)

// ErrNoPose is returned when the model finds no pose in a frame.
// This is an expected, non-error outcome: the capture cycle silently
// skips the sample.
var ErrNoPose = errors.New("no pose detected")

// PoseModel is the opaque pose-estimation model invocation
type PoseModel interface {
	// Start initializes the model; called lazily on first extraction
	Start() error
	// Infer runs pose estimation on one frame.
	// Returns ErrNoPose when nothing is detected.
	Infer(frame types.Frame) (types.KeypointSet, error)
	// Close releases the model
	Close() error
}

// Extractor wraps a pose model with session-scoped lifecycle and
// duplicate-frame suppression. Idempotent with respect to governor
// state: extraction has no side effects beyond its own bookkeeping.
type Extractor struct {
	model PoseModel

	mu       sync.Mutex
	started  bool
	closed   bool
	lastTS   time.Time
	inferred uint64
	dupes    uint64
}

// New creates an extractor around the given model. The model is not
// initialized here: it is created once per session on first use and
// released on Close.
func New(model PoseModel) *Extractor {
	return &Extractor{model: model}
}

// Extract runs pose estimation on a frame.
//
// Duplicate rule: a frame whose timestamp equals the previously processed
// one is skipped and reported as ErrNoPose. This guards against a stalled
// video element handing out the same frame twice; skipping it is a
// correctness requirement, not an optimization.
func (e *Extractor) Extract(frame types.Frame) (types.KeypointSet, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return types.KeypointSet{}, fmt.Errorf("extractor is closed")
	}

	if !e.lastTS.IsZero() && frame.Timestamp.Equal(e.lastTS) {
		e.dupes++
		e.mu.Unlock()
		slog.Debug("duplicate frame timestamp, skipping extraction",
			"timestamp", frame.Timestamp,
			"trace_id", frame.TraceID,
		)
		return types.KeypointSet{}, ErrNoPose
	}
	e.lastTS = frame.Timestamp

	// Lazy model init, once per session
	if !e.started {
		if err := e.model.Start(); err != nil {
			e.mu.Unlock()
			return types.KeypointSet{}, fmt.Errorf("failed to start pose model: %w", err)
		}
		e.started = true
		slog.Info("pose model initialized")
	}
	e.inferred++
	e.mu.Unlock()

	ks, err := e.model.Infer(frame)
	if err != nil {
		if errors.Is(err, ErrNoPose) {
			return types.KeypointSet{}, ErrNoPose
		}
		return types.KeypointSet{}, fmt.Errorf("pose inference failed: %w", err)
	}

	ks.Timestamp = frame.Timestamp
	ks.TraceID = frame.TraceID
	return ks, nil
}

// Close releases the model. Safe to call when the model was never started.
func (e *Extractor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	if !e.started {
		return nil
	}
	return e.model.Close()
}

// Stats returns extraction counters
func (e *Extractor) Stats() (inferred, duplicates uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inferred, e.dupes
}
