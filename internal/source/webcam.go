package source

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/imcatta/poselink/internal/types"
)

// WebcamSource captures frames from a v4l2 device using GStreamer.
//
// Failure policy: a pipeline error or EOS terminates the source for the
// rest of the session. There is no reopen retry; the governor observes
// Done and surfaces a session-fatal condition.
type WebcamSource struct {
	device    string
	width     int
	height    int
	targetFPS int

	pipeline *gst.Pipeline
	appsink  *app.Sink

	inbox mailbox

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	frameCount uint64
	bytesRead  uint64

	mu        sync.RWMutex
	err       error
	isRunning bool
	started   time.Time
}

// WebcamConfig contains webcam capture configuration
type WebcamConfig struct {
	Device string // v4l2 device path, e.g. /dev/video0
	Width  int
	Height int
	FPS    int
}

// NewWebcamSource creates a new webcam source
func NewWebcamSource(cfg WebcamConfig) (*WebcamSource, error) {
	if cfg.Device == "" {
		return nil, fmt.Errorf("device is required")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid resolution: %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("invalid fps: %d", cfg.FPS)
	}

	return &WebcamSource{
		device:    cfg.Device,
		width:     cfg.Width,
		height:    cfg.Height,
		targetFPS: cfg.FPS,
		done:      make(chan struct{}),
	}, nil
}

// Start opens the device and begins capture
func (s *WebcamSource) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("source already running")
	}
	s.isRunning = true
	s.started = time.Now()
	s.mu.Unlock()

	gst.Init(nil)

	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.runPipeline()

	slog.Info("webcam source starting",
		"device", s.device,
		"resolution", fmt.Sprintf("%dx%d", s.width, s.height),
		"fps", s.targetFPS,
	)

	return nil
}

// Latest returns the most recent captured frame
func (s *WebcamSource) Latest() (types.Frame, bool) {
	return s.inbox.latest()
}

// FrameRate returns the device's configured frame rate
func (s *WebcamSource) FrameRate() float64 {
	return float64(s.targetFPS)
}

// Done is closed when the pipeline terminates
func (s *WebcamSource) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminating pipeline error, nil for a clean Stop
func (s *WebcamSource) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// runPipeline runs the GStreamer pipeline until error, EOS or cancellation
func (s *WebcamSource) runPipeline() {
	defer s.wg.Done()
	defer close(s.done)

	if err := s.captureLoop(); err != nil {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		slog.Error("webcam pipeline terminated", "device", s.device, "error", err)
	}
}

// captureLoop builds the pipeline and processes bus messages
func (s *WebcamSource) captureLoop() error {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	s.pipeline = pipeline

	v4l2src, err := gst.NewElement("v4l2src")
	if err != nil {
		return fmt.Errorf("failed to create v4l2src: %w", err)
	}
	v4l2src.SetProperty("device", s.device)

	videoconvert, err := gst.NewElement("videoconvert")
	if err != nil {
		return fmt.Errorf("failed to create videoconvert: %w", err)
	}
	videoscale, err := gst.NewElement("videoscale")
	if err != nil {
		return fmt.Errorf("failed to create videoscale: %w", err)
	}

	// videorate drops frames to hold the device rate; sampling cadence on
	// top of this is the governor's job
	videorate, err := gst.NewElement("videorate")
	if err != nil {
		return fmt.Errorf("failed to create videorate: %w", err)
	}
	videorate.SetProperty("drop-only", true)
	videorate.SetProperty("skip-to-first", true)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return fmt.Errorf("failed to create capsfilter: %w", err)
	}
	caps := gst.NewCapsFromString(fmt.Sprintf(
		"video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/1",
		s.width, s.height, s.targetFPS,
	))
	capsfilter.SetProperty("caps", caps)

	appsink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("failed to create appsink: %w", err)
	}
	s.appsink = appsink

	// Latest-only at the sink too: keep one buffer, drop the rest
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)

	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return s.onNewSample(sink)
		},
	})

	pipeline.AddMany(v4l2src, videoconvert, videoscale, videorate, capsfilter, appsink.Element)
	gst.ElementLinkMany(v4l2src, videoconvert, videoscale, videorate, capsfilter, appsink.Element)

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to set pipeline to playing: %w", err)
	}

	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-s.ctx.Done():
			slog.Debug("context cancelled, stopping pipeline")
			pipeline.SetState(gst.StateNull)
			return nil
		default:
		}

		// Short poll timeout keeps shutdown responsive
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			pipeline.SetState(gst.StateNull)
			return fmt.Errorf("capture device reached end of stream")

		case gst.MessageError:
			gerr := msg.ParseError()
			pipeline.SetState(gst.StateNull)
			return fmt.Errorf("pipeline error: %w", gerr)

		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				old, new := msg.ParseStateChanged()
				slog.Debug("pipeline state changed", "from", old, "to", new)
			}
		}
	}
}

// onNewSample publishes each decoded frame into the latest-frame mailbox
func (s *WebcamSource) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowEOS
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowError
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	defer buffer.Unmap()

	if len(data) == 0 {
		return gst.FlowOK
	}

	frameData := make([]byte, len(data))
	copy(frameData, data)

	frame := types.Frame{
		Seq:       atomic.AddUint64(&s.frameCount, 1),
		Timestamp: time.Now(),
		Width:     s.width,
		Height:    s.height,
		Data:      frameData,
		TraceID:   uuid.New().String(),
	}

	atomic.AddUint64(&s.bytesRead, uint64(len(data)))

	s.inbox.publish(frame)

	return gst.FlowOK
}

// Stop stops the capture pipeline
func (s *WebcamSource) Stop() error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	cancel := s.cancel
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}

	slog.Info("stopping webcam source")
	cancel()

	// Wait for pipeline goroutine with timeout
	stopped := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
		slog.Info("webcam source stopped",
			"frames_captured", atomic.LoadUint64(&s.frameCount),
			"uptime", time.Since(s.started),
		)
	case <-time.After(3 * time.Second):
		slog.Warn("webcam source stop timeout, pipeline may still be running")
	}

	return nil
}

// Stats returns current source statistics
func (s *WebcamSource) Stats() types.SourceStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	frameCount := atomic.LoadUint64(&s.frameCount)
	_, drops := s.inbox.counters()

	var fpsReal float64
	if uptime := time.Since(s.started).Seconds(); uptime > 0 {
		fpsReal = float64(frameCount) / uptime
	}

	return types.SourceStats{
		FramesEmitted: frameCount,
		FramesDropped: drops,
		FPSTarget:     float64(s.targetFPS),
		FPSReal:       fpsReal,
		IsRunning:     s.isRunning,
	}
}
