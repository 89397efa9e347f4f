package types

import (
	"encoding/json"
	"time"
)

// Landmark is a single detected body-joint position.
// Coordinates are normalized to [0, 1] relative to the frame dimensions,
// Z is depth relative to the hip midpoint (model convention).
type Landmark struct {
	Name       string  `json:"name"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	Visibility float64 `json:"visibility"`
}

// KeypointSet is the ordered set of landmarks extracted from one frame.
// Immutable once created: producers hand it off and never touch it again.
type KeypointSet struct {
	// Timestamp is copied from the source frame
	Timestamp time.Time  `json:"timestamp"`
	TraceID   string     `json:"trace_id,omitempty"`
	Landmarks []Landmark `json:"landmarks"`
}

// ToJSON converts the keypoint set to JSON bytes
func (k *KeypointSet) ToJSON() ([]byte, error) {
	return json.Marshal(k)
}

// ClassificationResult is one inbound decision from the remote classifier.
// Consumed exactly once by the actuation controller; Aux carries whatever
// auxiliary data the classifier attached (engineered features, confidence).
type ClassificationResult struct {
	Success        bool           `json:"success"`
	Classification bool           `json:"classification"`
	Aux            map[string]any `json:"aux,omitempty"`
}
