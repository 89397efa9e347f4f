package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// MaxSampleRate is the hard cap on effective capture samples per second.
// The outbound interval is configured independently but never runs faster
// than this, regardless of what the device reports.
const MaxSampleRate = 30

// Validate checks the configuration and fills defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	// Capture defaults
	if cfg.Capture.Width <= 0 {
		cfg.Capture.Width = 640
	}
	if cfg.Capture.Height <= 0 {
		cfg.Capture.Height = 480
	}
	if cfg.Capture.FPS <= 0 {
		cfg.Capture.FPS = 30
	}
	if cfg.Capture.IntervalMS == 0 {
		cfg.Capture.IntervalMS = 250
	}
	if cfg.Capture.IntervalMS < 0 {
		return fmt.Errorf("capture.interval_ms must be >= 0")
	}
	if cfg.Capture.Mode == "" {
		cfg.Capture.Mode = ModeKeypoints
	}
	if cfg.Capture.Mode != ModeKeypoints && cfg.Capture.Mode != ModeFrame {
		return fmt.Errorf("capture.mode must be %q or %q, got %q",
			ModeKeypoints, ModeFrame, cfg.Capture.Mode)
	}

	// Keypoints mode needs a pose worker to invoke
	if cfg.Capture.Mode == ModeKeypoints && cfg.Model.Command == "" {
		return fmt.Errorf("model.command is required when capture.mode is %q", ModeKeypoints)
	}

	// Classifier endpoint
	if cfg.Classifier.Endpoint == "" {
		return fmt.Errorf("classifier.endpoint is required")
	}

	// Actuator addressing
	if cfg.Actuator.DeviceName == "" {
		return fmt.Errorf("actuator.device_name is required")
	}
	if cfg.Actuator.ServiceUUID == "" {
		return fmt.Errorf("actuator.service_uuid is required")
	}
	if cfg.Actuator.CharacteristicUUID == "" {
		return fmt.Errorf("actuator.characteristic_uuid is required")
	}
	if cfg.Actuator.Command == "" {
		cfg.Actuator.Command = "1"
	}
	if cfg.Actuator.ExpectedAck == "" {
		cfg.Actuator.ExpectedAck = "1"
	}
	if len(cfg.Actuator.Command) != 1 {
		return fmt.Errorf("actuator.command must be a single byte, got %q", cfg.Actuator.Command)
	}
	if len(cfg.Actuator.ExpectedAck) != 1 {
		return fmt.Errorf("actuator.expected_ack must be a single byte, got %q", cfg.Actuator.ExpectedAck)
	}

	// MQTT is optional, but when configured the topics get defaults
	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.Topics.Control == "" {
			cfg.MQTT.Topics.Control = fmt.Sprintf("poselink/control/%s", cfg.InstanceID)
		}
		if cfg.MQTT.Topics.Events == "" {
			cfg.MQTT.Topics.Events = fmt.Sprintf("poselink/events/%s", cfg.InstanceID)
		}
		if cfg.MQTT.Topics.Health == "" {
			cfg.MQTT.Topics.Health = fmt.Sprintf("poselink/health/%s", cfg.InstanceID)
		}
		if cfg.MQTT.QoS == nil {
			cfg.MQTT.QoS = map[string]byte{
				"control":        1,
				"classification": 1,
				"actuator_state": 1,
				"status":         0,
				"health":         0,
			}
		}
	}

	return nil
}
