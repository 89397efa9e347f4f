package core

import (
	"sync"

	"github.com/imcatta/poselink/internal/types"
)

// subscriber buffer; full subscribers lose their oldest event first so a
// stalled consumer never blocks the pipeline
const subscriberBuffer = 32

// Hub is the state-change notification fan-out: components publish
// pipeline events, consumers subscribe. This replaces any UI framework's
// reactive refresh cycle with an explicit contract.
type Hub struct {
	mu     sync.Mutex
	subs   []chan types.Event
	closed bool
}

// NewHub creates a notification hub
func NewHub() *Hub {
	return &Hub{}
}

// Subscribe registers a consumer. The returned channel is closed when the
// hub shuts down.
func (h *Hub) Subscribe() <-chan types.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan types.Event, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch
	}
	h.subs = append(h.subs, ch)
	return ch
}

// Publish fans an event out to all subscribers without blocking
func (h *Hub) Publish(event types.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	for _, ch := range h.subs {
		select {
		case ch <- event:
		default:
			// Drop the oldest buffered event to make room for the newest
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- event:
			default:
			}
		}
	}
}

// Close shuts the hub down and closes all subscriber channels
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true

	for _, ch := range h.subs {
		close(ch)
	}
	h.subs = nil
}
