package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/imcatta/poselink/internal/config"
	"github.com/imcatta/poselink/internal/types"
)

// fakePoseModel always detects a pose
type fakePoseModel struct{}

func (fakePoseModel) Start() error { return nil }
func (fakePoseModel) Close() error { return nil }
func (fakePoseModel) Infer(frame types.Frame) (types.KeypointSet, error) {
	return types.KeypointSet{
		Landmarks: []types.Landmark{{Name: "nose", X: 0.5, Y: 0.5, Visibility: 0.9}},
	}, nil
}

// fakeBLE is an instantly-succeeding actuator transport with a scriptable
// acknowledgment byte
type fakeBLE struct {
	mu     sync.Mutex
	ack    byte
	writes [][]byte
}

func (f *fakeBLE) Scan(ctx context.Context, nameFilter string) error             { return nil }
func (f *fakeBLE) Connect(ctx context.Context) error                             { return nil }
func (f *fakeBLE) DiscoverService(ctx context.Context, uuid string) error        { return nil }
func (f *fakeBLE) DiscoverCharacteristic(ctx context.Context, uuid string) error { return nil }
func (f *fakeBLE) Disconnect() error                                             { return nil }

func (f *fakeBLE) Write(data []byte) error {
	f.mu.Lock()
	f.writes = append(f.writes, append([]byte(nil), data...))
	f.mu.Unlock()
	return nil
}

func (f *fakeBLE) Read(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf[0] = f.ack
	return 1, nil
}

func (f *fakeBLE) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

// classifierServer is an in-process websocket classifier: it replies to
// at most maxReplies inbound payloads with a positive frame_result
type classifierServer struct {
	t          *testing.T
	maxReplies int

	mu      sync.Mutex
	replies int
	conns   []*websocket.Conn
}

func startClassifier(t *testing.T, maxReplies int) (*classifierServer, string) {
	cs := &classifierServer{t: t, maxReplies: maxReplies}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		cs.mu.Lock()
		cs.conns = append(cs.conns, conn)
		cs.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env map[string]json.RawMessage
			if err := json.Unmarshal(data, &env); err != nil {
				t.Errorf("malformed payload: %v", err)
				continue
			}
			cs.mu.Lock()
			reply := cs.replies < cs.maxReplies
			if reply {
				cs.replies++
			}
			cs.mu.Unlock()
			if reply {
				msg := `{"type":"frame_result","success":true,"classification":true,"score":0.97}`
				if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return cs, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (cs *classifierServer) dropConns() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, conn := range cs.conns {
		conn.Close()
	}
}

func testPipelineConfig(endpoint string) *config.Config {
	cfg := &config.Config{
		InstanceID: "test-01",
		Capture:    config.CaptureConfig{Width: 32, Height: 24, FPS: 30, IntervalMS: 40},
		Model:      config.ModelConfig{Command: "python3"},
		Classifier: config.ClassifierConfig{Endpoint: endpoint},
		Actuator: config.ActuatorConfig{
			DeviceName:         "stim-unit",
			ServiceUUID:        "0000a000-0000-1000-8000-00805f9b34fb",
			CharacteristicUUID: "0000a001-0000-1000-8000-00805f9b34fb",
		},
	}
	if err := config.Validate(cfg); err != nil {
		panic(err)
	}
	return cfg
}

// waitEvent scans the notification stream for an event matching the
// predicate
func waitEvent(t *testing.T, events <-chan types.Event, what string, match func(types.Event) bool) types.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("notification stream closed waiting for %s", what)
			}
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

// TestPipelineEndToEndStimulation drives the whole loop in-process:
// synthetic frames, a fake pose model, a stub classifier replying one
// positive result, a fake actuator transport. Expects exactly one device
// write of the command byte and the success status surfaced as an event.
func TestPipelineEndToEndStimulation(t *testing.T) {
	_, endpoint := startClassifier(t, 1)

	ble := &fakeBLE{ack: '1'}
	p, err := New(testPipelineConfig(endpoint), Deps{Model: fakePoseModel{}, Transport: ble})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	events := p.Notifications()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.ConnectActuator(ctx); err != nil {
		t.Fatalf("ConnectActuator: %v", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	waitEvent(t, events, "capture start", func(ev types.Event) bool {
		return ev.Kind == types.EventCaptureStarted
	})

	result := waitEvent(t, events, "classification result", func(ev types.Event) bool {
		return ev.Kind == types.EventClassification
	})
	if result.Classification == nil || !result.Classification.Classification {
		t.Errorf("classification event = %+v, want positive", result.Classification)
	}

	waitEvent(t, events, "stimulation success status", func(ev types.Event) bool {
		return ev.Kind == types.EventStatus && ev.Text == "Successfully sent stimulation."
	})

	if n := ble.writeCount(); n != 1 {
		t.Errorf("device writes = %d, want exactly 1", n)
	}
	ble.mu.Lock()
	if len(ble.writes) > 0 && (len(ble.writes[0]) != 1 || ble.writes[0][0] != '1') {
		t.Errorf("device write = %v, want the single command byte '1'", ble.writes[0])
	}
	ble.mu.Unlock()

	status := p.GetStatus()
	if status["actuator_state"] != "ready" {
		t.Errorf("actuator_state = %v, want ready", status["actuator_state"])
	}

	cancel()
	if err := <-runErr; err != nil {
		t.Errorf("Run returned %v on cancellation, want nil", err)
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), p.ShutdownTimeout())
	defer stop()
	if err := p.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

// TestPipelineUnexpectedAckKeepsSession validates a device that answers
// with the wrong byte produces a failure status carrying the response,
// while the actuator session stays ready.
func TestPipelineUnexpectedAckKeepsSession(t *testing.T) {
	_, endpoint := startClassifier(t, 1)

	ble := &fakeBLE{ack: '9'}
	p, err := New(testPipelineConfig(endpoint), Deps{Model: fakePoseModel{}, Transport: ble})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	events := p.Notifications()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.ConnectActuator(ctx); err != nil {
		t.Fatalf("ConnectActuator: %v", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	ev := waitEvent(t, events, "stimulation failure status", func(ev types.Event) bool {
		return ev.Kind == types.EventStatus && strings.Contains(ev.Text, "failed")
	})
	if !strings.Contains(ev.Text, "9") {
		t.Errorf("failure status %q does not carry the device response", ev.Text)
	}

	if state := p.GetStatus()["actuator_state"]; state != "ready" {
		t.Errorf("actuator_state = %v after failed ack, want ready", state)
	}

	cancel()
	<-runErr
	shutdownCtx, stop := context.WithTimeout(context.Background(), p.ShutdownTimeout())
	defer stop()
	p.Shutdown(shutdownCtx)
}

// TestPipelineStreamDropIsFatal validates a dropped classifier connection
// ends the run with an error instead of reconnecting.
func TestPipelineStreamDropIsFatal(t *testing.T) {
	cs, endpoint := startClassifier(t, 0)

	p, err := New(testPipelineConfig(endpoint), Deps{Model: fakePoseModel{}, Transport: &fakeBLE{ack: '1'}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	events := p.Notifications()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	waitEvent(t, events, "capture start", func(ev types.Event) bool {
		return ev.Kind == types.EventCaptureStarted
	})

	cs.dropConns()

	select {
	case err := <-runErr:
		if err == nil {
			t.Error("Run returned nil after stream drop, want the transport error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not end after stream drop")
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), p.ShutdownTimeout())
	defer stop()
	p.Shutdown(shutdownCtx)
}

// TestPipelinePauseResume validates pause halts outbound sampling and
// resume restarts it within the same session.
func TestPipelinePauseResume(t *testing.T) {
	_, endpoint := startClassifier(t, 0)

	p, err := New(testPipelineConfig(endpoint), Deps{Model: fakePoseModel{}, Transport: &fakeBLE{ack: '1'}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	events := p.Notifications()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	waitEvent(t, events, "capture start", func(ev types.Event) bool {
		return ev.Kind == types.EventCaptureStarted
	})

	// Wait for sampling to actually flow
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if sends, _ := p.GetStatus()["sends"].(uint64); sends > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := p.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := p.Pause(); err != nil {
		t.Fatalf("second Pause: %v", err)
	}

	paused, _ := p.GetStatus()["sends"].(uint64)
	time.Sleep(200 * time.Millisecond)
	after, _ := p.GetStatus()["sends"].(uint64)
	if after != paused {
		t.Errorf("sends kept flowing while paused: %d -> %d", paused, after)
	}

	if err := p.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if sends, _ := p.GetStatus()["sends"].(uint64); sends > after {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if sends, _ := p.GetStatus()["sends"].(uint64); sends <= after {
		t.Error("sampling did not resume")
	}

	cancel()
	<-runErr
	shutdownCtx, stop := context.WithTimeout(context.Background(), p.ShutdownTimeout())
	defer stop()
	p.Shutdown(shutdownCtx)
}

// TestShutdownHonorsContext validates graceful shutdown gives up on a
// stuck worker once the caller's deadline passes instead of blocking.
func TestShutdownHonorsContext(t *testing.T) {
	_, endpoint := startClassifier(t, 0)

	p, err := New(testPipelineConfig(endpoint), Deps{Model: fakePoseModel{}, Transport: &fakeBLE{ack: '1'}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	events := p.Notifications()

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	waitEvent(t, events, "capture start", func(ev types.Event) bool {
		return ev.Kind == types.EventCaptureStarted
	})

	// Simulate a worker that never drains
	p.wg.Add(1)

	cancel()
	if err := <-runErr; err != nil {
		t.Fatalf("Run: %v", err)
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer stop()
	start := time.Now()
	err = p.Shutdown(shutdownCtx)
	if err == nil {
		t.Fatal("Shutdown returned nil with a worker still pending")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("Shutdown took %v, want prompt return on deadline", elapsed)
	}
	p.wg.Done()
}
