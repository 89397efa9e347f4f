// Package channel implements the persistent duplex session to the remote
// classification endpoint: fire-and-forget outbound payloads, ordered
// inbound classification results, no automatic reconnection.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/imcatta/poselink/internal/types"
)

// ErrNotConnected is returned by Send when no session is established
var ErrNotConnected = errors.New("streaming channel not connected")

// sendBuffer bounds outbound backpressure. A full buffer drops the newest
// payload: the remote is stateless per message and a lost sample only
// delays the next classification by one tick.
const sendBuffer = 16

// Channel is one duplex session. A Channel is single-use: after the
// connection drops or Disconnect is called it stays dead. There is no
// auto-reconnect; a drop is a terminal session event the controller must
// react to.
type Channel struct {
	endpoint string

	onResult func(types.ClassificationResult)
	onClosed func(error)

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	sendCh    chan []byte
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup

	stats struct {
		sync.Mutex
		sent     uint64
		dropped  uint64
		received uint64
	}
}

// Stats contains channel statistics
type Stats struct {
	Sent     uint64
	Dropped  uint64
	Received uint64
}

// New creates a channel for the given websocket endpoint
func New(endpoint string) *Channel {
	return &Channel{
		endpoint: endpoint,
		sendCh:   make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
}

// OnResult registers the inbound classification handler. Handlers run on
// the read loop goroutine: strictly in arrival order, never concurrently
// with each other. Must be called before Connect.
func (c *Channel) OnResult(handler func(types.ClassificationResult)) {
	c.onResult = handler
}

// OnClosed registers the terminal session handler, fired exactly once when
// the session ends: with the transport error on a drop, nil on a local
// Disconnect. Must be called before Connect.
func (c *Channel) OnClosed(handler func(error)) {
	c.onClosed = handler
}

// Connect establishes the duplex session
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return fmt.Errorf("channel already connected")
	}
	select {
	case <-c.done:
		// Single-use: once the session ends the loops are gone, a second
		// Connect would dial a socket nobody services
		return fmt.Errorf("channel session already ended, reconnecting requires a new channel")
	default:
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to classifier endpoint: %w", err)
	}

	c.conn = conn
	c.connected = true

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()

	slog.Info("streaming channel connected", "endpoint", c.endpoint)

	return nil
}

// Send transmits one outbound unit without waiting for acknowledgment.
// Returns ErrNotConnected when no session is established; a full send
// buffer drops the payload with a warning rather than blocking the caller.
func (c *Channel) Send(msg Message) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}

	data, err := msg.marshal()
	if err != nil {
		return err
	}

	select {
	case c.sendCh <- data:
		return nil
	default:
		c.stats.Lock()
		c.stats.dropped++
		dropped := c.stats.dropped
		c.stats.Unlock()
		slog.Warn("send buffer full, dropping payload",
			"dropped_total", dropped,
		)
		return nil
	}
}

// Disconnect tears the session down. Idempotent: safe to call when
// already disconnected.
func (c *Channel) Disconnect() error {
	c.terminate(nil)
	return nil
}

// Stats returns channel statistics
func (c *Channel) Stats() Stats {
	c.stats.Lock()
	defer c.stats.Unlock()
	return Stats{Sent: c.stats.sent, Dropped: c.stats.dropped, Received: c.stats.received}
}

// Done is closed when the session has ended
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// terminate ends the session exactly once
func (c *Channel) terminate(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.connected = false
		conn := c.conn
		c.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
		close(c.done)

		if err != nil {
			slog.Warn("streaming channel dropped", "endpoint", c.endpoint, "error", err)
		} else {
			slog.Info("streaming channel disconnected", "endpoint", c.endpoint)
		}

		if c.onClosed != nil {
			c.onClosed(err)
		}
	})
}

// readLoop receives inbound messages and dispatches classification results
// sequentially, in arrival order
func (c *Channel) readLoop() {
	defer c.wg.Done()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				// local disconnect already terminated the session
			default:
				c.terminate(fmt.Errorf("streaming connection lost: %w", err))
			}
			return
		}

		result, err := parseResult(data)
		if err != nil {
			slog.Warn("ignoring malformed inbound message", "error", err)
			continue
		}

		c.stats.Lock()
		c.stats.received++
		c.stats.Unlock()

		if c.onResult != nil {
			c.onResult(result)
		}
	}
}

// writeLoop owns the connection's writer; Send never touches the socket
func (c *Channel) writeLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.sendCh:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.terminate(fmt.Errorf("streaming write failed: %w", err))
				return
			}
			c.stats.Lock()
			c.stats.sent++
			c.stats.Unlock()
		}
	}
}
