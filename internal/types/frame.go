package types

import "time"

// Frame represents a single video frame
type Frame struct {
	// Seq is the monotonic sequence number assigned by the source
	Seq uint64
	// Timestamp is when the frame was captured (monotonic, device clock)
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data contains the raw frame data (RGB24 by default)
	Data []byte
	// TraceID is a unique identifier for tracing a frame across the pipeline
	TraceID string
}

// SourceStats contains video source statistics
type SourceStats struct {
	FramesEmitted uint64
	FramesDropped uint64 // overwritten before consumption (latest-only policy)
	FPSTarget     float64
	FPSReal       float64
	IsRunning     bool
}
