// Package governor owns the capture cadence: a fixed-interval timer that
// samples the latest frame, runs extraction and hands exactly one payload
// per successful tick to the streaming channel.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/imcatta/poselink/internal/channel"
	"github.com/imcatta/poselink/internal/config"
	"github.com/imcatta/poselink/internal/extractor"
	"github.com/imcatta/poselink/internal/source"
	"github.com/imcatta/poselink/internal/types"
)

// Extractor is the slice of the keypoint extractor the governor needs
type Extractor interface {
	Extract(frame types.Frame) (types.KeypointSet, error)
}

// Sink receives one outbound unit per successful tick
type Sink interface {
	Send(msg channel.Message) error
}

// Config contains governor settings
type Config struct {
	// Interval is the outbound cadence (default 250ms). The effective
	// interval never samples faster than the device rate or the 30/s cap.
	Interval time.Duration
	// Mode selects local extraction (keypoints) or raw frame forwarding
	Mode string
	// OnFatal is invoked once if the video source dies mid-session
	OnFatal func(err error)
}

// Stats contains governor counters
type Stats struct {
	Ticks         uint64
	Sends         uint64
	SkipsNoFrame  uint64
	SkipsNoPose   uint64
	SkipsInFlight uint64
}

// Governor runs the periodic capture cycle. The interval is fixed at
// session start; a slow cycle never delays the next tick, it only causes
// that tick to be skipped (single in-flight cycle, stale work is dropped).
type Governor struct {
	src     source.VideoSource
	extract Extractor
	sink    Sink
	cfg     Config

	inFlight atomic.Bool

	mu        sync.Mutex
	isRunning bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	ticks         atomic.Uint64
	sends         atomic.Uint64
	skipsNoFrame  atomic.Uint64
	skipsNoPose   atomic.Uint64
	skipsInFlight atomic.Uint64
}

// New creates a governor. In keypoints mode the extractor is required;
// in frame mode it is unused and may be nil.
func New(src source.VideoSource, extract Extractor, sink Sink, cfg Config) (*Governor, error) {
	if src == nil {
		return nil, fmt.Errorf("video source is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = config.ModeKeypoints
	}
	if cfg.Mode == config.ModeKeypoints && extract == nil {
		return nil, fmt.Errorf("extractor is required in %s mode", config.ModeKeypoints)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	if cfg.OnFatal == nil {
		cfg.OnFatal = func(error) {}
	}
	return &Governor{src: src, extract: extract, sink: sink, cfg: cfg}, nil
}

// effectiveInterval derives the tick interval once, at session start:
// the configured outbound cadence, floored by the device's reported rate
// and the hard 30 samples/second cap. Never resampled mid-session.
func (g *Governor) effectiveInterval() time.Duration {
	interval := g.cfg.Interval

	rate := g.src.FrameRate()
	if rate <= 0 || rate > config.MaxSampleRate {
		rate = config.MaxSampleRate
	}
	minInterval := time.Duration(float64(time.Second) / rate)

	if interval < minInterval {
		slog.Info("capture interval raised to device sampling floor",
			"configured", interval,
			"effective", minInterval,
			"device_fps", g.src.FrameRate(),
		)
		interval = minInterval
	}
	return interval
}

// Start begins the periodic cycle
func (g *Governor) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.isRunning {
		return fmt.Errorf("governor already running")
	}

	interval := g.effectiveInterval()

	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.isRunning = true

	g.wg.Add(1)
	go g.run(ctx, interval)

	slog.Info("capture governor started",
		"interval", interval,
		"mode", g.cfg.Mode,
	)

	return nil
}

// Stop halts the cadence, cancels the pending timer and waits for any
// in-flight cycle to finish
func (g *Governor) Stop() {
	g.mu.Lock()
	if !g.isRunning {
		g.mu.Unlock()
		return
	}
	g.isRunning = false
	cancel := g.cancel
	g.mu.Unlock()

	cancel()
	g.wg.Wait()

	slog.Info("capture governor stopped",
		"ticks", g.ticks.Load(),
		"sends", g.sends.Load(),
	)
}

// Stats returns governor counters
func (g *Governor) Stats() Stats {
	return Stats{
		Ticks:         g.ticks.Load(),
		Sends:         g.sends.Load(),
		SkipsNoFrame:  g.skipsNoFrame.Load(),
		SkipsNoPose:   g.skipsNoPose.Load(),
		SkipsInFlight: g.skipsInFlight.Load(),
	}
}

// run is the timer loop. Ticks are strictly periodic relative to the
// interval, not to cycle latency.
func (g *Governor) run(ctx context.Context, interval time.Duration) {
	defer g.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-g.src.Done():
			// Source death is session-fatal: stop, surface, do not retry
			err := g.src.Err()
			if err == nil {
				err = errors.New("video source stopped")
			}
			slog.Error("video source unavailable, capture ending", "error", err)
			g.mu.Lock()
			g.isRunning = false
			cancel := g.cancel
			g.mu.Unlock()
			cancel()
			g.cfg.OnFatal(err)
			return

		case <-ticker.C:
			g.ticks.Add(1)

			// Single in-flight cycle: if the previous payload has not yet
			// been handed to the channel, this tick is dropped, preventing
			// a backlog of stale frames
			if !g.inFlight.CompareAndSwap(false, true) {
				g.skipsInFlight.Add(1)
				continue
			}

			g.wg.Add(1)
			go g.cycle()
		}
	}
}

// cycle performs one capture-extract-send pass
func (g *Governor) cycle() {
	defer g.wg.Done()
	defer g.inFlight.Store(false)

	frame, ok := g.src.Latest()
	if !ok {
		// No frame arrived yet; a missed sample, not an error
		g.skipsNoFrame.Add(1)
		return
	}

	var msg channel.Message

	switch g.cfg.Mode {
	case config.ModeFrame:
		msg = channel.FrameMessage(frame)

	default: // keypoints
		ks, err := g.extract.Extract(frame)
		if err != nil {
			if errors.Is(err, extractor.ErrNoPose) {
				// Silent skip: nothing detected in this sample
				g.skipsNoPose.Add(1)
				return
			}
			slog.Warn("extraction failed, skipping sample",
				"trace_id", frame.TraceID,
				"error", err,
			)
			g.skipsNoPose.Add(1)
			return
		}
		msg = channel.KeypointsMessage(ks)
	}

	if err := g.sink.Send(msg); err != nil {
		slog.Warn("failed to send payload",
			"trace_id", frame.TraceID,
			"error", err,
		)
		return
	}

	g.sends.Add(1)
}
