package actuator

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/imcatta/poselink/internal/types"
)

// Controller consumes inbound classification results and decides whether
// to fire the actuator. Delivery is at-most-once: a positive result that
// arrives while the session is not ready, or while a write transaction is
// outstanding, is dropped. Never queued, never retried.
type Controller struct {
	session *Session
	notify  func(types.Event)

	received      atomic.Uint64
	fired         atomic.Uint64
	droppedNotRdy atomic.Uint64
	droppedBusy   atomic.Uint64
}

// ControllerStats contains actuation counters
type ControllerStats struct {
	Received        uint64
	Fired           uint64
	DroppedNotReady uint64
	DroppedBusy     uint64
}

// NewController creates a controller bound to one actuator session
func NewController(session *Session, notify func(types.Event)) *Controller {
	if notify == nil {
		notify = func(types.Event) {}
	}
	return &Controller{session: session, notify: notify}
}

// OnClassification is the single entry point, invoked by the streaming
// channel's inbound handler in arrival order.
func (c *Controller) OnClassification(result types.ClassificationResult) {
	c.received.Add(1)

	// Every result is surfaced for display, whatever it decides
	c.notify(types.Event{
		Kind:           types.EventClassification,
		Timestamp:      time.Now(),
		Classification: &result,
	})

	// Unsuccessful or negative results are display-only
	if !result.Success || !result.Classification {
		return
	}

	switch err := c.session.TryStimulate(); {
	case err == nil:
		c.fired.Add(1)
		slog.Info("stimulation triggered")

	case errors.Is(err, ErrNotReady):
		c.droppedNotRdy.Add(1)
		slog.Debug("positive classification dropped, actuator not ready")

	case errors.Is(err, ErrWriteBusy):
		c.droppedBusy.Add(1)
		slog.Debug("positive classification dropped, write transaction outstanding")
	}
}

// Stats returns actuation counters
func (c *Controller) Stats() ControllerStats {
	return ControllerStats{
		Received:        c.received.Load(),
		Fired:           c.fired.Load(),
		DroppedNotReady: c.droppedNotRdy.Load(),
		DroppedBusy:     c.droppedBusy.Load(),
	}
}
