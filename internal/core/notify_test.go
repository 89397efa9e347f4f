package core

import (
	"testing"
	"time"

	"github.com/imcatta/poselink/internal/types"
)

// TestHubFanOut validates every subscriber sees every published event.
func TestHubFanOut(t *testing.T) {
	hub := NewHub()
	a := hub.Subscribe()
	b := hub.Subscribe()

	hub.Publish(types.Event{Kind: types.EventStatus, Text: "hello"})

	for name, ch := range map[string]<-chan types.Event{"a": a, "b": b} {
		select {
		case ev := <-ch:
			if ev.Text != "hello" {
				t.Errorf("subscriber %s got %q, want %q", name, ev.Text, "hello")
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s got no event", name)
		}
	}
}

// TestHubNeverBlocks validates a stalled subscriber loses old events
// instead of blocking the publisher: the newest event always lands.
func TestHubNeverBlocks(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe()

	total := subscriberBuffer * 3
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			hub.Publish(types.Event{Kind: types.EventStatus, Text: "ev"})
		}
		hub.Publish(types.Event{Kind: types.EventStatus, Text: "last"})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a stalled subscriber")
	}

	var sawLast bool
	for {
		select {
		case ev := <-ch:
			if ev.Text == "last" {
				sawLast = true
			}
			continue
		default:
		}
		break
	}
	if !sawLast {
		t.Error("newest event was dropped, want oldest-first eviction")
	}
}

// TestHubClose validates Close ends all subscriptions and later
// subscribe/publish calls are harmless.
func TestHubClose(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe()

	hub.Close()
	hub.Close()

	if _, ok := <-ch; ok {
		t.Error("subscriber channel still open after Close")
	}

	hub.Publish(types.Event{Kind: types.EventStatus})

	late := hub.Subscribe()
	if _, ok := <-late; ok {
		t.Error("subscription after Close returned an open channel")
	}
}
