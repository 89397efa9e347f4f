package types

import (
	"encoding/json"
	"time"
)

// EventKind identifies a pipeline state-change notification
type EventKind string

const (
	EventCaptureStarted EventKind = "capture_started"
	EventCaptureStopped EventKind = "capture_stopped"
	EventActuatorState  EventKind = "actuator_state"
	EventClassification EventKind = "classification"
	EventStatus         EventKind = "status"
)

// Event is a pipeline state-change notification. The core publishes these
// through a subscription contract instead of depending on any UI refresh
// cycle: capture lifecycle, actuator state transitions, classification
// arrivals and human-readable status lines all flow through here.
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	// Text is a human-readable status line ("Successfully sent stimulation.")
	Text string `json:"text,omitempty"`
	// State carries the actuator session state name for actuator_state events
	State string `json:"state,omitempty"`
	// Classification carries the result for classification events
	Classification *ClassificationResult `json:"classification,omitempty"`
	// Error is set when the event reports a failure (session-fatal conditions)
	Error string `json:"error,omitempty"`
}

// ToJSON converts the event to JSON bytes
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}
