package governor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/imcatta/poselink/internal/channel"
	"github.com/imcatta/poselink/internal/config"
	"github.com/imcatta/poselink/internal/extractor"
	"github.com/imcatta/poselink/internal/types"
)

// fakeVideoSource implements source.VideoSource with a scriptable frame
// supply and a controllable death channel
type fakeVideoSource struct {
	mu       sync.Mutex
	seq      uint64
	hasFrame bool
	rate     float64
	err      error
	done     chan struct{}
	doneOnce sync.Once
}

func newFakeVideoSource(rate float64) *fakeVideoSource {
	return &fakeVideoSource{rate: rate, hasFrame: true, done: make(chan struct{})}
}

func (f *fakeVideoSource) Start(ctx context.Context) error { return nil }

func (f *fakeVideoSource) Latest() (types.Frame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hasFrame {
		return types.Frame{}, false
	}
	f.seq++
	// Distinct timestamp per read so the extractor's dedup never trips
	return types.Frame{Seq: f.seq, Timestamp: time.Now()}, true
}

func (f *fakeVideoSource) FrameRate() float64 { return f.rate }

func (f *fakeVideoSource) Done() <-chan struct{} { return f.done }

func (f *fakeVideoSource) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeVideoSource) Stop() error { return nil }

func (f *fakeVideoSource) Stats() types.SourceStats { return types.SourceStats{} }

func (f *fakeVideoSource) die(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	f.doneOnce.Do(func() { close(f.done) })
}

// fakeExtractor returns a fixed keypoint set or error
type fakeExtractor struct {
	mu  sync.Mutex
	err error
	n   int
}

func (f *fakeExtractor) Extract(frame types.Frame) (types.KeypointSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	if f.err != nil {
		return types.KeypointSet{}, f.err
	}
	return types.KeypointSet{Timestamp: frame.Timestamp}, nil
}

// fakeSink records payloads; an optional gate holds Send open to simulate
// a slow downstream
type fakeSink struct {
	mu   sync.Mutex
	msgs []channel.Message
	gate chan struct{}
}

func (f *fakeSink) Send(msg channel.Message) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	f.msgs = append(f.msgs, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

// TestGovernorCadence validates the governor sends roughly one payload
// per interval, never materially faster.
func TestGovernorCadence(t *testing.T) {
	src := newFakeVideoSource(30)
	sink := &fakeSink{}
	gov, err := New(src, &fakeExtractor{}, sink, Config{Interval: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := gov.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(500 * time.Millisecond)
	gov.Stop()

	sends := sink.count()
	// 500ms / 50ms = 10 expected; generous bounds for scheduler noise
	if sends < 4 {
		t.Errorf("sends = %d over 500ms at 50ms interval, want at least 4", sends)
	}
	if sends > 12 {
		t.Errorf("sends = %d over 500ms at 50ms interval, want at most 12", sends)
	}
}

// TestGovernorSampleRateFloor validates the effective interval never
// samples faster than the 30/s cap or the device rate, whichever binds.
func TestGovernorSampleRateFloor(t *testing.T) {
	cases := []struct {
		name     string
		rate     float64
		interval time.Duration
		want     time.Duration
	}{
		{"cap binds", 120, time.Millisecond, time.Second / config.MaxSampleRate},
		{"device binds", 10, time.Millisecond, 100 * time.Millisecond},
		{"configured binds", 30, 250 * time.Millisecond, 250 * time.Millisecond},
		{"unknown rate uses cap", 0, time.Millisecond, time.Second / config.MaxSampleRate},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := newFakeVideoSource(tc.rate)
			gov, err := New(src, &fakeExtractor{}, &fakeSink{}, Config{Interval: tc.interval})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if got := gov.effectiveInterval(); got != tc.want {
				t.Errorf("effectiveInterval() = %v, want %v", got, tc.want)
			}
		})
	}
}

// TestGovernorSingleInFlightCycle validates a slow cycle never stacks up:
// ticks fired while one cycle is outstanding are skipped, and exactly one
// payload exists when the downstream unblocks.
func TestGovernorSingleInFlightCycle(t *testing.T) {
	src := newFakeVideoSource(30)
	gate := make(chan struct{})
	sink := &fakeSink{gate: gate}
	gov, err := New(src, &fakeExtractor{}, sink, Config{Interval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := gov.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(300 * time.Millisecond)

	if n := sink.count(); n != 0 {
		t.Fatalf("payloads delivered = %d while downstream blocked, want 0", n)
	}
	if skips := gov.Stats().SkipsInFlight; skips < 3 {
		t.Errorf("in-flight skips = %d after 300ms of 20ms ticks, want several", skips)
	}

	close(gate)
	deadline := time.Now().Add(2 * time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	gov.Stop()

	if sink.count() == 0 {
		t.Error("no payload delivered after downstream unblocked")
	}
}

// TestGovernorSkipsWhenNoPose validates a no-detection sample is skipped
// silently: no payload, counted, next tick unaffected.
func TestGovernorSkipsWhenNoPose(t *testing.T) {
	src := newFakeVideoSource(30)
	sink := &fakeSink{}
	ext := &fakeExtractor{err: extractor.ErrNoPose}
	gov, err := New(src, ext, sink, Config{Interval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := gov.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	gov.Stop()

	if n := sink.count(); n != 0 {
		t.Errorf("payloads = %d with no pose detected, want 0", n)
	}
	stats := gov.Stats()
	if stats.SkipsNoPose == 0 {
		t.Error("no-pose skips not counted")
	}
	if stats.Ticks < 3 {
		t.Errorf("ticks = %d, want the cadence to keep running through skips", stats.Ticks)
	}
}

// TestGovernorSkipsWhenNoFrame validates ticks before the first frame are
// missed samples, not errors.
func TestGovernorSkipsWhenNoFrame(t *testing.T) {
	src := newFakeVideoSource(30)
	src.hasFrame = false
	sink := &fakeSink{}
	gov, err := New(src, &fakeExtractor{}, sink, Config{Interval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := gov.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	gov.Stop()

	if n := sink.count(); n != 0 {
		t.Errorf("payloads = %d without frames, want 0", n)
	}
	if gov.Stats().SkipsNoFrame == 0 {
		t.Error("no-frame skips not counted")
	}
}

// TestGovernorFrameMode validates frame mode forwards raw frames without
// an extractor.
func TestGovernorFrameMode(t *testing.T) {
	src := newFakeVideoSource(30)
	sink := &fakeSink{}
	gov, err := New(src, nil, sink, Config{Interval: 20 * time.Millisecond, Mode: config.ModeFrame})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := gov.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	gov.Stop()

	if sink.count() == 0 {
		t.Fatal("no payloads in frame mode")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.msgs[0].Frame == nil {
		t.Error("frame-mode payload carries no frame")
	}
	if sink.msgs[0].Keypoints != nil {
		t.Error("frame-mode payload carries keypoints")
	}
}

// TestGovernorSourceDeathIsFatal validates a dying source surfaces once
// through OnFatal and halts the cadence, with no retry.
func TestGovernorSourceDeathIsFatal(t *testing.T) {
	src := newFakeVideoSource(30)
	sink := &fakeSink{}

	fatalCh := make(chan error, 1)
	gov, err := New(src, &fakeExtractor{}, sink, Config{
		Interval: 20 * time.Millisecond,
		OnFatal:  func(err error) { fatalCh <- err },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := gov.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	src.die(errors.New("camera unplugged"))

	select {
	case err := <-fatalCh:
		if err == nil || err.Error() != "camera unplugged" {
			t.Errorf("fatal error = %v, want the source error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnFatal not invoked after source death")
	}

	// Cadence halted: send count stabilizes
	before := sink.count()
	time.Sleep(100 * time.Millisecond)
	if after := sink.count(); after != before {
		t.Errorf("sends kept flowing after source death: %d -> %d", before, after)
	}

	gov.Stop()
}

// TestGovernorRequiredCollaborators validates constructor fail-fast.
func TestGovernorRequiredCollaborators(t *testing.T) {
	src := newFakeVideoSource(30)

	if _, err := New(nil, &fakeExtractor{}, &fakeSink{}, Config{}); err == nil {
		t.Error("New without source succeeded")
	}
	if _, err := New(src, &fakeExtractor{}, nil, Config{}); err == nil {
		t.Error("New without sink succeeded")
	}
	if _, err := New(src, nil, &fakeSink{}, Config{Mode: config.ModeKeypoints}); err == nil {
		t.Error("New without extractor in keypoints mode succeeded")
	}
}

// TestGovernorStopWaitsForCycle validates Stop does not return while a
// cycle is still in flight: the outstanding pass completes first.
func TestGovernorStopWaitsForCycle(t *testing.T) {
	src := newFakeVideoSource(30)
	gate := make(chan struct{})
	sink := &fakeSink{gate: gate}
	gov, err := New(src, &fakeExtractor{}, sink, Config{Interval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := gov.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Wait until a cycle is blocked inside the sink
	deadline := time.Now().Add(2 * time.Second)
	for gov.Stats().SkipsInFlight == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if gov.Stats().SkipsInFlight == 0 {
		t.Fatal("no cycle got stuck in the sink")
	}

	stopped := make(chan struct{})
	go func() {
		gov.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned with a cycle still in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(gate)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the cycle finished")
	}
	if sink.count() != 1 {
		t.Errorf("payloads = %d, want the outstanding cycle delivered exactly once", sink.count())
	}
}
