package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/imcatta/poselink/internal/config"
)

// Command represents a control plane command
type Command struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string         `json:"command_ack"`
	Status     string         `json:"status"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// ControlCallbacks contains callback functions for commands
type ControlCallbacks struct {
	OnGetStatus       func() map[string]any
	OnPause           func() error
	OnResume          func() error
	OnConnectActuator func() error
	OnShutdown        func() error
}

// Control handles control plane commands over MQTT
type Control struct {
	cfg       *config.Config
	client    mqtt.Client
	commands  chan Command
	callbacks ControlCallbacks
}

// NewControl creates a new control plane handler
func NewControl(cfg *config.Config, client mqtt.Client, callbacks ControlCallbacks) *Control {
	return &Control{
		cfg:       cfg,
		client:    client,
		commands:  make(chan Command, 10),
		callbacks: callbacks,
	}
}

// Start starts listening for control commands
func (c *Control) Start(ctx context.Context) error {
	topic := c.cfg.MQTT.Topics.Control
	qos := c.cfg.MQTT.QoS["control"]

	slog.Info("subscribing to control plane", "topic", topic, "qos", qos)

	token := c.client.Subscribe(topic, qos, c.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	go c.processCommands(ctx)

	slog.Info("control plane handler started")
	return nil
}

// Stop stops the control plane handler
func (c *Control) Stop() error {
	topic := c.cfg.MQTT.Topics.Control

	if c.client != nil && c.client.IsConnected() {
		token := c.client.Unsubscribe(topic)
		token.Wait()
	}

	close(c.commands)

	slog.Info("control plane handler stopped")
	return nil
}

// messageHandler is called when a control message is received
func (c *Control) messageHandler(client mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("failed to parse control command", "error", err)
		c.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control command received", "command", cmd.Command)

	select {
	case c.commands <- cmd:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

// processCommands processes commands from the queue
func (c *Control) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-c.commands:
			if !ok {
				return
			}
			c.handleCommand(cmd)
		}
	}
}

// handleCommand executes a command
func (c *Control) handleCommand(cmd Command) {
	resp := Response{CommandAck: cmd.Command}

	run := func(fn func() error) {
		if fn == nil {
			resp.Status = "error"
			resp.Error = fmt.Sprintf("%s not implemented", cmd.Command)
			return
		}
		if err := fn(); err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
			return
		}
		resp.Status = "success"
	}

	switch cmd.Command {
	case "get_status":
		if c.callbacks.OnGetStatus != nil {
			resp.Status = "success"
			resp.Data = c.callbacks.OnGetStatus()
		} else {
			resp.Status = "error"
			resp.Error = "get_status not implemented"
		}

	case "pause":
		run(c.callbacks.OnPause)

	case "resume":
		run(c.callbacks.OnResume)

	case "connect_actuator":
		run(c.callbacks.OnConnectActuator)

	case "shutdown":
		run(c.callbacks.OnShutdown)

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command %q", cmd.Command)
	}

	c.sendResponse(resp)
}

// sendResponse publishes a command response
func (c *Control) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal control response", "error", err)
		return
	}

	topic := c.cfg.MQTT.Topics.Control + "/response"
	token := c.client.Publish(topic, c.cfg.MQTT.QoS["control"], false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Warn("control response publish timeout", "topic", topic)
	}
}
