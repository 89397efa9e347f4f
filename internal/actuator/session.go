// Package actuator drives the wireless stimulation device: a pairing
// state machine plus single-characteristic write/acknowledge transactions.
package actuator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/imcatta/poselink/internal/types"
)

// State is the externally observable pairing state. The write transaction
// is guarded internally and never shows up here: from Ready the only
// observable transitions are staying Ready or dropping to Disconnected.
type State int

const (
	StateDisconnected State = iota
	StateSearching
	StateConnecting
	StateResolvingService
	StateResolvingCharacteristic
	StateReady
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateSearching:
		return "searching"
	case StateConnecting:
		return "connecting"
	case StateResolvingService:
		return "resolving_service"
	case StateResolvingCharacteristic:
		return "resolving_characteristic"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrNotReady is returned when a stimulation is requested without a
	// ready session. The signal is dropped, never queued.
	ErrNotReady = errors.New("actuator session not ready")
	// ErrWriteBusy is returned while a prior write/acknowledge transaction
	// is still outstanding. The second attempt is dropped, never queued.
	ErrWriteBusy = errors.New("write transaction outstanding")
)

// Transport abstracts the Bluetooth stack, one method per pairing step.
// A Transport instance is stateful: each step operates on what the
// previous one resolved.
type Transport interface {
	// Scan discovers a device advertising the given name
	Scan(ctx context.Context, nameFilter string) error
	// Connect connects to the discovered device
	Connect(ctx context.Context) error
	// DiscoverService resolves the service on the connected device
	DiscoverService(ctx context.Context, serviceUUID string) error
	// DiscoverCharacteristic resolves the characteristic within the service
	DiscoverCharacteristic(ctx context.Context, characteristicUUID string) error
	// Write writes to the resolved characteristic
	Write(data []byte) error
	// Read reads from the resolved characteristic
	Read(buf []byte) (int, error)
	// Disconnect releases the device
	Disconnect() error
}

// Config contains actuator addressing and the handshake bytes
type Config struct {
	DeviceName         string
	ServiceUUID        string
	CharacteristicUUID string
	// Command is the 1-byte stimulation command (UTF-8 text)
	Command byte
	// ExpectedAck is the acknowledgment byte meaning success
	ExpectedAck byte
}

// Session manages the device-pairing lifecycle and write transactions.
// Exactly one Session exists per pipeline session; it is re-enterable:
// Disconnected is never terminal, a fresh Connect starts over.
type Session struct {
	cfg       Config
	transport Transport
	notify    func(types.Event)

	mu         sync.Mutex
	state      State
	status     string
	gen        uint64 // bumped on every transition to Disconnected
	connecting bool   // a pairing walk is in progress

	writing atomic.Bool
}

// NewSession creates a session in the Disconnected state
func NewSession(cfg Config, transport Transport, notify func(types.Event)) *Session {
	if notify == nil {
		notify = func(types.Event) {}
	}
	return &Session{
		cfg:       cfg,
		transport: transport,
		notify:    notify,
		state:     StateDisconnected,
	}
}

// State returns the current pairing state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StatusText returns the last human-readable status line
func (s *Session) StatusText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Connect walks the pairing sequence:
//
//	Disconnected → Searching → Connecting → ResolvingService →
//	ResolvingCharacteristic → Ready
//
// A failure at any step transitions directly to Disconnected with a
// human-readable reason. There is no automatic retry: recovery is a
// fresh Connect call.
func (s *Session) Connect(ctx context.Context) error {
	// The guard covers the whole walk, not just this check: two Connect
	// calls racing (connect_on_start against a control command) must not
	// interleave pairing steps on the same transport
	s.mu.Lock()
	if s.connecting {
		s.mu.Unlock()
		return fmt.Errorf("connect already in progress")
	}
	if s.state != StateDisconnected {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("connect requires a disconnected session, state is %s", state)
	}
	s.connecting = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.connecting = false
		s.mu.Unlock()
	}()

	steps := []struct {
		state State
		run   func(context.Context) error
	}{
		{StateSearching, func(ctx context.Context) error {
			return s.transport.Scan(ctx, s.cfg.DeviceName)
		}},
		{StateConnecting, s.transport.Connect},
		{StateResolvingService, func(ctx context.Context) error {
			return s.transport.DiscoverService(ctx, s.cfg.ServiceUUID)
		}},
		{StateResolvingCharacteristic, func(ctx context.Context) error {
			return s.transport.DiscoverCharacteristic(ctx, s.cfg.CharacteristicUUID)
		}},
	}

	for _, step := range steps {
		s.setState(step.state)
		if err := step.run(ctx); err != nil {
			reason := fmt.Sprintf("%s failed: %v", step.state, err)
			s.fail(reason)
			return fmt.Errorf("actuator %s", reason)
		}
	}

	s.setState(StateReady)
	s.setStatus(fmt.Sprintf("Connected to %s.", s.cfg.DeviceName))

	slog.Info("actuator session ready",
		"device", s.cfg.DeviceName,
		"service", s.cfg.ServiceUUID,
		"characteristic", s.cfg.CharacteristicUUID,
	)

	return nil
}

// TryStimulate begins one write/acknowledge transaction. The ready check
// and the single-outstanding-write guard run synchronously with the
// caller; the handshake itself runs on its own goroutine so a burst of
// classification results never stacks up behind device I/O.
func (s *Session) TryStimulate() error {
	if s.State() != StateReady {
		return ErrNotReady
	}
	if !s.writing.CompareAndSwap(false, true) {
		return ErrWriteBusy
	}

	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	go s.transact(gen)
	return nil
}

// transact performs the write-then-read handshake and maps the device
// response to a status line
func (s *Session) transact(gen uint64) {
	defer s.writing.Store(false)

	if err := s.transport.Write([]byte{s.cfg.Command}); err != nil {
		if s.sameGeneration(gen) {
			s.fail(fmt.Sprintf("stimulation write failed: %v", err))
		}
		return
	}

	buf := make([]byte, 1)
	n, err := s.transport.Read(buf)
	if err != nil {
		if s.sameGeneration(gen) {
			s.fail(fmt.Sprintf("stimulation acknowledgment read failed: %v", err))
		}
		return
	}

	// The session may have been torn down while the read was in flight;
	// the transaction result is then ignored
	if !s.sameGeneration(gen) {
		slog.Debug("discarding stimulation result, session disconnected mid-transaction")
		return
	}

	if n == 1 && buf[0] == s.cfg.ExpectedAck {
		s.setStatus("Successfully sent stimulation.")
		return
	}

	// Unexpected acknowledgment: failed but handled, the session stays
	// Ready for the next attempt
	s.setStatus(fmt.Sprintf("Stimulation failed, device responded %q.", string(buf[:n])))
}

// Disconnect tears the session down. Idempotent.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.state = StateDisconnected
	s.gen++
	s.status = "Disconnected."
	s.mu.Unlock()

	if err := s.transport.Disconnect(); err != nil {
		slog.Warn("bluetooth disconnect failed", "error", err)
	}

	s.notifyState()
	s.notifyStatus("Disconnected.")

	return nil
}

// fail transitions to Disconnected with a reason
func (s *Session) fail(reason string) {
	s.mu.Lock()
	s.state = StateDisconnected
	s.gen++
	s.status = reason
	s.mu.Unlock()

	if err := s.transport.Disconnect(); err != nil {
		slog.Debug("transport disconnect after failure", "error", err)
	}

	slog.Warn("actuator session failed", "reason", reason)

	s.notifyState()
	s.notifyStatus(reason)
}

func (s *Session) sameGeneration(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen && s.state == StateReady
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.notifyState()
}

func (s *Session) setStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	s.notifyStatus(status)
}

func (s *Session) notifyState() {
	s.notify(types.Event{
		Kind:      types.EventActuatorState,
		Timestamp: time.Now(),
		State:     s.State().String(),
	})
}

func (s *Session) notifyStatus(status string) {
	s.notify(types.Event{
		Kind:      types.EventStatus,
		Timestamp: time.Now(),
		Text:      status,
	})
}
