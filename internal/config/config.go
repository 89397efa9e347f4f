package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Capture modes: what the governor sends per tick.
const (
	ModeKeypoints = "keypoints" // extract locally, send landmark sets
	ModeFrame     = "frame"     // forward raw frames, remote does extraction
)

// Config represents the complete poselink configuration
type Config struct {
	InstanceID       string           `yaml:"instance_id"`
	ShutdownTimeoutS int              `yaml:"shutdown_timeout_s"` // graceful shutdown timeout in seconds (default: 5)
	Capture          CaptureConfig    `yaml:"capture"`
	Model            ModelConfig      `yaml:"model"`
	Classifier       ClassifierConfig `yaml:"classifier"`
	Actuator         ActuatorConfig   `yaml:"actuator"`
	MQTT             MQTTConfig       `yaml:"mqtt"`
}

// CaptureConfig contains video capture settings
type CaptureConfig struct {
	Device     string `yaml:"device"`      // v4l2 device path (e.g. /dev/video0); empty = synthetic source
	Width      int    `yaml:"width"`       // capture width (default: 640)
	Height     int    `yaml:"height"`      // capture height (default: 480)
	FPS        int    `yaml:"fps"`         // device frame rate (default: 30)
	IntervalMS int    `yaml:"interval_ms"` // outbound cadence, bounds backend load (default: 250)
	Mode       string `yaml:"mode"`        // keypoints | frame
}

// ModelConfig contains pose model settings (keypoints mode only)
type ModelConfig struct {
	// Command launches the pose worker sidecar, e.g. "python3 workers/pose_worker.py"
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// ClassifierConfig contains remote classification endpoint settings
type ClassifierConfig struct {
	Endpoint string `yaml:"endpoint"` // websocket URL, e.g. ws://localhost:5001/stream
}

// ActuatorConfig contains wireless actuator addressing and the
// 1-byte command/acknowledgment handshake values (UTF-8 text).
type ActuatorConfig struct {
	DeviceName         string `yaml:"device_name"`         // BLE advertised name filter
	ServiceUUID        string `yaml:"service_uuid"`        // GATT service identifier
	CharacteristicUUID string `yaml:"characteristic_uuid"` // GATT characteristic identifier
	Command            string `yaml:"command"`             // command byte (default: "1")
	ExpectedAck        string `yaml:"expected_ack"`        // acknowledgment byte meaning success (default: "1")
	ConnectOnStart     bool   `yaml:"connect_on_start"`    // pair during pipeline startup
}

// MQTTConfig contains MQTT broker settings for the telemetry/control plane.
// Optional: an empty broker disables the emitter entirely.
type MQTTConfig struct {
	Broker string          `yaml:"broker"`
	Topics MQTTTopics      `yaml:"topics"`
	QoS    map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic templates
type MQTTTopics struct {
	Control string `yaml:"control"`
	Events  string `yaml:"events"`
	Health  string `yaml:"health"`
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
