// Package core wires the capture-to-actuation pipeline together and owns
// its lifecycle.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/imcatta/poselink/internal/actuator"
	"github.com/imcatta/poselink/internal/channel"
	"github.com/imcatta/poselink/internal/config"
	"github.com/imcatta/poselink/internal/emitter"
	"github.com/imcatta/poselink/internal/extractor"
	"github.com/imcatta/poselink/internal/governor"
	"github.com/imcatta/poselink/internal/source"
	"github.com/imcatta/poselink/internal/types"
)

// Deps allows substituting the hardware-facing collaborators; zero values
// select the real implementations built from config.
type Deps struct {
	Source    source.VideoSource
	Model     extractor.PoseModel
	Transport actuator.Transport
}

// Pipeline is the service orchestrator: video source → capture governor →
// extractor → streaming channel → actuation controller → actuator session.
type Pipeline struct {
	cfg *config.Config
	hub *Hub

	src        source.VideoSource
	ext        *extractor.Extractor
	gov        *governor.Governor
	ch         *channel.Channel
	session    *actuator.Session
	controller *actuator.Controller
	emitter    *emitter.MQTTEmitter
	control    *emitter.Control

	fatalCh chan error

	mu        sync.RWMutex
	started   time.Time
	isRunning bool
	isPaused  bool
	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
}

// New builds a pipeline from configuration
func New(cfg *config.Config, deps Deps) (*Pipeline, error) {
	p := &Pipeline{
		cfg:     cfg,
		hub:     NewHub(),
		fatalCh: make(chan error, 2),
	}

	// Video source: configured device, or synthetic frames without one
	p.src = deps.Source
	if p.src == nil {
		if cfg.Capture.Device != "" {
			webcam, err := source.NewWebcamSource(source.WebcamConfig{
				Device: cfg.Capture.Device,
				Width:  cfg.Capture.Width,
				Height: cfg.Capture.Height,
				FPS:    cfg.Capture.FPS,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create webcam source: %w", err)
			}
			p.src = webcam
		} else {
			p.src = source.NewMockSource(cfg.Capture.Width, cfg.Capture.Height, cfg.Capture.FPS)
			slog.Info("using mock source (no capture device configured)")
		}
	}

	// Keypoint extractor, only in local-extraction mode. The model handle
	// is session-scoped: created lazily on first extraction, released on
	// shutdown.
	if cfg.Capture.Mode == config.ModeKeypoints {
		model := deps.Model
		if model == nil {
			m, err := extractor.NewSubprocessModel(cfg.Model.Command, cfg.Model.Args)
			if err != nil {
				return nil, fmt.Errorf("failed to create pose model: %w", err)
			}
			model = m
		}
		p.ext = extractor.New(model)
	}

	// Actuator session and controller
	transport := deps.Transport
	if transport == nil {
		t, err := actuator.NewBLETransport()
		if err != nil {
			return nil, fmt.Errorf("failed to create bluetooth transport: %w", err)
		}
		transport = t
	}
	p.session = actuator.NewSession(actuator.Config{
		DeviceName:         cfg.Actuator.DeviceName,
		ServiceUUID:        cfg.Actuator.ServiceUUID,
		CharacteristicUUID: cfg.Actuator.CharacteristicUUID,
		Command:            cfg.Actuator.Command[0],
		ExpectedAck:        cfg.Actuator.ExpectedAck[0],
	}, transport, p.hub.Publish)
	p.controller = actuator.NewController(p.session, p.hub.Publish)

	// Streaming channel
	p.ch = channel.New(cfg.Classifier.Endpoint)
	p.ch.OnResult(p.controller.OnClassification)
	p.ch.OnClosed(func(err error) {
		if err != nil {
			// A dropped connection is a terminal session event
			select {
			case p.fatalCh <- err:
			default:
			}
		}
	})

	// Capture governor
	gov, err := governor.New(p.src, p.ext, p.ch, governor.Config{
		Interval: time.Duration(cfg.Capture.IntervalMS) * time.Millisecond,
		Mode:     cfg.Capture.Mode,
		OnFatal: func(err error) {
			p.hub.Publish(types.Event{
				Kind:      types.EventCaptureStopped,
				Timestamp: time.Now(),
				Error:     err.Error(),
			})
			select {
			case p.fatalCh <- err:
			default:
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create governor: %w", err)
	}
	p.gov = gov

	// Telemetry/control plane is optional
	if cfg.MQTT.Broker != "" {
		p.emitter = emitter.NewMQTTEmitter(cfg)
	}

	return p, nil
}

// Notifications returns a subscription to pipeline state-change events
func (p *Pipeline) Notifications() <-chan types.Event {
	return p.hub.Subscribe()
}

// Run starts the pipeline and blocks until the context is cancelled or a
// session-fatal condition ends it (video source lost, streaming dropped).
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.isRunning {
		p.mu.Unlock()
		return fmt.Errorf("pipeline is already running")
	}
	p.isRunning = true
	p.started = time.Now()
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.mu.Lock()
	p.runCtx = ctx
	p.cancelRun = cancel
	p.mu.Unlock()

	slog.Info("pipeline starting",
		"instance_id", p.cfg.InstanceID,
		"mode", p.cfg.Capture.Mode,
		"endpoint", p.cfg.Classifier.Endpoint,
	)

	// Telemetry first so startup events are visible
	if p.emitter != nil {
		if err := p.emitter.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}

		p.control = emitter.NewControl(p.cfg, p.emitter.Client, emitter.ControlCallbacks{
			OnGetStatus:       p.GetStatus,
			OnPause:           p.Pause,
			OnResume:          p.Resume,
			OnConnectActuator: func() error { return p.ConnectActuator(ctx) },
			OnShutdown: func() error {
				p.cancelRun()
				return nil
			},
		})
		if err := p.control.Start(ctx); err != nil {
			return fmt.Errorf("failed to start control plane: %w", err)
		}

		p.wg.Add(1)
		go p.forwardEvents(ctx)

		p.wg.Add(1)
		go p.runHealthLoop(ctx, p.emitter, healthPublishInterval)
	}

	// Establish the classifier session before sampling starts
	if err := p.ch.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect streaming channel: %w", err)
	}

	if err := p.src.Start(ctx); err != nil {
		return fmt.Errorf("failed to start video source: %w", err)
	}

	if err := p.gov.Start(ctx); err != nil {
		return fmt.Errorf("failed to start governor: %w", err)
	}

	p.hub.Publish(types.Event{Kind: types.EventCaptureStarted, Timestamp: time.Now()})

	// Actuator pairing is user-initiated; connect_on_start stands in for
	// the user on headless deployments. Failure here is recoverable via a
	// fresh connect_actuator command, never fatal.
	if p.cfg.Actuator.ConnectOnStart {
		if err := p.ConnectActuator(ctx); err != nil {
			slog.Warn("initial actuator connect failed", "error", err)
		}
	}

	slog.Info("pipeline running")

	select {
	case <-ctx.Done():
		slog.Info("pipeline run loop exiting")
		return nil
	case err := <-p.fatalCh:
		slog.Error("session-fatal condition, pipeline ending", "error", err)
		return err
	}
}

// Shutdown performs graceful shutdown of all components
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.isRunning {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	slog.Info("shutting down pipeline")

	// Order matters: stop sampling first, then the stages downstream
	p.gov.Stop()

	if err := p.src.Stop(); err != nil {
		slog.Error("failed to stop video source", "error", err)
	}

	if p.ext != nil {
		if err := p.ext.Close(); err != nil {
			slog.Error("failed to close extractor", "error", err)
		}
	}

	if err := p.ch.Disconnect(); err != nil {
		slog.Error("failed to disconnect streaming channel", "error", err)
	}

	if err := p.session.Disconnect(); err != nil {
		slog.Error("failed to disconnect actuator", "error", err)
	}

	p.hub.Publish(types.Event{Kind: types.EventCaptureStopped, Timestamp: time.Now()})

	if p.control != nil {
		if err := p.control.Stop(); err != nil {
			slog.Error("failed to stop control plane", "error", err)
		}
	}

	// Bound the worker drain on the caller's deadline so a stuck worker
	// cannot hold up process exit
	waitDone := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(waitDone)
	}()
	var waitErr error
	select {
	case <-waitDone:
	case <-ctx.Done():
		waitErr = fmt.Errorf("shutdown timed out waiting for workers: %w", ctx.Err())
		slog.Warn("shutdown timed out waiting for workers", "error", ctx.Err())
	}

	if p.emitter != nil {
		if err := p.emitter.Disconnect(); err != nil {
			slog.Error("failed to disconnect mqtt", "error", err)
		}
	}

	p.hub.Close()

	p.mu.Lock()
	uptime := time.Since(p.started)
	p.isRunning = false
	p.mu.Unlock()

	slog.Info("pipeline shutdown complete", "uptime", uptime)

	return waitErr
}

// ConnectActuator walks the Bluetooth pairing sequence. No automatic
// retry: a failure leaves the session Disconnected until called again.
func (p *Pipeline) ConnectActuator(ctx context.Context) error {
	if p.session.State() != actuator.StateDisconnected {
		return fmt.Errorf("actuator session is %s", p.session.State())
	}
	return p.session.Connect(ctx)
}

// Pause suspends capture without tearing the session down
func (p *Pipeline) Pause() error {
	p.mu.Lock()
	if p.isPaused {
		p.mu.Unlock()
		return nil
	}
	p.isPaused = true
	p.mu.Unlock()

	p.gov.Stop()
	p.hub.Publish(types.Event{Kind: types.EventCaptureStopped, Timestamp: time.Now()})
	slog.Info("capture paused")
	return nil
}

// Resume restarts capture after a pause
func (p *Pipeline) Resume() error {
	p.mu.Lock()
	if !p.isPaused {
		p.mu.Unlock()
		return nil
	}
	p.isPaused = false
	ctx := p.runCtx
	p.mu.Unlock()

	if err := p.gov.Start(ctx); err != nil {
		return fmt.Errorf("failed to resume capture: %w", err)
	}
	p.hub.Publish(types.Event{Kind: types.EventCaptureStarted, Timestamp: time.Now()})
	slog.Info("capture resumed")
	return nil
}

// GetStatus returns the current status of the pipeline
func (p *Pipeline) GetStatus() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()

	govStats := p.gov.Stats()
	chStats := p.ch.Stats()

	return map[string]any{
		"instance_id":     p.cfg.InstanceID,
		"uptime_s":        time.Since(p.started).Seconds(),
		"running":         p.isRunning,
		"paused":          p.isPaused,
		"actuator_state":  p.session.State().String(),
		"actuator_status": p.session.StatusText(),
		"sends":           govStats.Sends,
		"ticks":           govStats.Ticks,
		"results":         chStats.Received,
	}
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (p *Pipeline) ShutdownTimeout() time.Duration {
	timeout := time.Duration(p.cfg.ShutdownTimeoutS) * time.Second
	if timeout == 0 {
		return 5 * time.Second
	}
	return timeout
}

// forwardEvents relays hub notifications to the MQTT emitter
func (p *Pipeline) forwardEvents(ctx context.Context) {
	defer p.wg.Done()

	events := p.hub.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := p.emitter.PublishEvent(event); err != nil {
				slog.Debug("failed to publish event", "kind", event.Kind, "error", err)
			}
		}
	}
}
