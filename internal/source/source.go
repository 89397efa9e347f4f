// Package source provides live video frame acquisition with
// latest-frame-only semantics: there is never a frame queue, a reader
// always observes the most recent frame and stale frames are overwritten.
package source

import (
	"context"

	"github.com/imcatta/poselink/internal/types"
)

// VideoSource is a live raster frame provider. Latest never blocks and
// never yields a backlog; a slow consumer simply misses frames.
type VideoSource interface {
	// Start begins capture
	Start(ctx context.Context) error
	// Latest returns the most recent frame, or false if none arrived yet
	Latest() (types.Frame, bool)
	// FrameRate returns the device's reported frame rate, read once at start
	FrameRate() float64
	// Done is closed when the source terminates, for any reason
	Done() <-chan struct{}
	// Err returns the terminating error, nil for a clean Stop
	Err() error
	// Stop halts capture
	Stop() error
	// Stats returns source statistics
	Stats() types.SourceStats
}
