package channel

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/imcatta/poselink/internal/types"
)

// Outbound message types carried on the streaming channel
const (
	TypeKeypoints = "keypoints"
	TypeFrame     = "frame"
)

// inbound message type
const typeFrameResult = "frame_result"

// Message is one outbound unit: a keypoint set or a raw frame,
// depending on the configured capture mode. Exactly one payload is set.
type Message struct {
	Keypoints *types.KeypointSet
	Frame     *types.Frame
}

// KeypointsMessage wraps a keypoint set for transmission
func KeypointsMessage(ks types.KeypointSet) Message {
	return Message{Keypoints: &ks}
}

// FrameMessage wraps a raw frame for transmission
func FrameMessage(frame types.Frame) Message {
	return Message{Frame: &frame}
}

// envelope is the wire format: {"type": ..., "payload": ...}
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// framePayload is the wire shape of a raw frame
type framePayload struct {
	Timestamp time.Time `json:"timestamp"`
	TraceID   string    `json:"trace_id,omitempty"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Data      string    `json:"data"` // base64 RGB24
}

// marshal produces the outbound wire bytes
func (m Message) marshal() ([]byte, error) {
	switch {
	case m.Keypoints != nil:
		payload, err := json.Marshal(m.Keypoints)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal keypoints: %w", err)
		}
		return json.Marshal(envelope{Type: TypeKeypoints, Payload: payload})

	case m.Frame != nil:
		payload, err := json.Marshal(framePayload{
			Timestamp: m.Frame.Timestamp,
			TraceID:   m.Frame.TraceID,
			Width:     m.Frame.Width,
			Height:    m.Frame.Height,
			Data:      base64.StdEncoding.EncodeToString(m.Frame.Data),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal frame: %w", err)
		}
		return json.Marshal(envelope{Type: TypeFrame, Payload: payload})

	default:
		return nil, fmt.Errorf("empty message")
	}
}

// parseResult decodes an inbound frame_result. Success and classification
// are lifted out; every other field the classifier attached lands in Aux.
func parseResult(data []byte) (types.ClassificationResult, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return types.ClassificationResult{}, fmt.Errorf("failed to parse inbound message: %w", err)
	}
	if head.Type != typeFrameResult {
		return types.ClassificationResult{}, fmt.Errorf("unexpected inbound message type %q", head.Type)
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return types.ClassificationResult{}, fmt.Errorf("failed to parse frame_result: %w", err)
	}

	result := types.ClassificationResult{}
	if v, ok := fields["success"].(bool); ok {
		result.Success = v
	}
	if v, ok := fields["classification"].(bool); ok {
		result.Classification = v
	}

	delete(fields, "type")
	delete(fields, "success")
	delete(fields, "classification")
	if len(fields) > 0 {
		result.Aux = fields
	}

	return result, nil
}
