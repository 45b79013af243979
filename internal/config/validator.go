package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks the configuration and applies defaults in place
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	// Capture defaults and validation
	if cfg.Capture.Width == 0 {
		cfg.Capture.Width = 1280
	}
	if cfg.Capture.Height == 0 {
		cfg.Capture.Height = 720
	}
	if cfg.Capture.Width < 0 || cfg.Capture.Height < 0 {
		return fmt.Errorf("capture resolution must be positive, got %dx%d",
			cfg.Capture.Width, cfg.Capture.Height)
	}
	if cfg.Capture.FPS == 0 {
		cfg.Capture.FPS = 20
	}
	if cfg.Capture.FPS < 0 || cfg.Capture.FPS > 120 {
		return fmt.Errorf("capture.fps must be 1-120, got %d", cfg.Capture.FPS)
	}
	if cfg.Capture.ActionTickHz <= 0 {
		cfg.Capture.ActionTickHz = cfg.Capture.FPS
	}
	if cfg.Capture.BufferFrames <= 0 {
		cfg.Capture.BufferFrames = 30
	}

	// Output defaults
	if cfg.Output.Dir == "" {
		cfg.Output.Dir = "driving_session"
	}
	if cfg.Output.VideoPrefix == "" {
		cfg.Output.VideoPrefix = "recording_drive"
	}
	if cfg.Output.ActionsPrefix == "" {
		cfg.Output.ActionsPrefix = "actions_drive"
	}
	if cfg.Output.AudioPrefix == "" {
		cfg.Output.AudioPrefix = "audio_drive"
	}

	// Audio defaults
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.SampleRate < 0 {
		return fmt.Errorf("audio.sample_rate must be positive, got %d", cfg.Audio.SampleRate)
	}

	// Source defaults
	switch cfg.Source.Mode {
	case "":
		cfg.Source.Mode = "mock"
	case "mock":
	case "bridge":
		if len(cfg.Source.BridgeCommand) == 0 {
			return fmt.Errorf("source.bridge_command is required in bridge mode")
		}
	default:
		return fmt.Errorf("source.mode must be \"mock\" or \"bridge\", got %q", cfg.Source.Mode)
	}

	// MQTT topic defaults (only relevant when a broker is configured)
	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.Topics.Control == "" {
			cfg.MQTT.Topics.Control = fmt.Sprintf("drivecap/control/%s", cfg.InstanceID)
		}
		if cfg.MQTT.Topics.Events == "" {
			cfg.MQTT.Topics.Events = fmt.Sprintf("drivecap/events/%s", cfg.InstanceID)
		}
		if cfg.MQTT.QoS == nil {
			cfg.MQTT.QoS = map[string]byte{
				"control": 1,
				"events":  0,
			}
		}
	}

	return nil
}
