package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the complete drivecap configuration
type Config struct {
	InstanceID       string        `yaml:"instance_id"`
	ShutdownTimeoutS int           `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Capture          CaptureConfig `yaml:"capture"`
	Output           OutputConfig  `yaml:"output"`
	Audio            AudioConfig   `yaml:"audio"`
	Source           SourceConfig  `yaml:"source"`
	MQTT             MQTTConfig    `yaml:"mqtt"`
	HealthPort       int           `yaml:"health_port"` // 0 disables the health endpoint
}

// CaptureConfig contains frame and action capture settings
type CaptureConfig struct {
	Width  int `yaml:"width"`  // frame width in pixels (default: 1280)
	Height int `yaml:"height"` // frame height in pixels (default: 720)
	FPS    int `yaml:"fps"`    // nominal capture rate, drives all derived durations (default: 20)
	// ActionTickHz is the control sampling rate (default: equals fps)
	ActionTickHz int `yaml:"action_tick_hz"`
	// RecordNeutralActions retains action samples with no input. The default
	// (false) keeps only non-neutral samples, matching the historical log
	// format; idle periods are then invisible in the action log even though
	// the frames are retained.
	RecordNeutralActions bool `yaml:"record_neutral_actions"`
	// BufferFrames is the source channel depth (default: 30)
	BufferFrames int `yaml:"buffer_frames"`
}

// OutputConfig contains artifact persistence settings
type OutputConfig struct {
	Dir string `yaml:"dir"` // output directory (default: driving_session)
	// Artifact name prefixes; session files are <prefix>-<id>.<ext>
	VideoPrefix   string `yaml:"video_prefix"`   // default: recording_drive
	ActionsPrefix string `yaml:"actions_prefix"` // default: actions_drive
	AudioPrefix   string `yaml:"audio_prefix"`   // default: audio_drive
}

// AudioConfig contains the placeholder audio track settings
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"` // Hz (default: 16000)
}

// SourceConfig selects and configures the frame/control source
type SourceConfig struct {
	// Mode is "mock" (synthetic frames, for bring-up and tests) or "bridge"
	// (external simulator feed over stdio msgpack framing)
	Mode string `yaml:"mode"`
	// BridgeCommand is the command line spawned in bridge mode, e.g.
	// ["python3", "sim_feed.py"]
	BridgeCommand []string `yaml:"bridge_command"`
}

// MQTTConfig contains MQTT broker settings. An empty broker disables the
// control plane and event emitter entirely.
type MQTTConfig struct {
	Broker string          `yaml:"broker"`
	Topics MQTTTopics      `yaml:"topics"`
	QoS    map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic templates
type MQTTTopics struct {
	Control string `yaml:"control"`
	Events  string `yaml:"events"`
}

// Load reads and validates a configuration file
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
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with all defaults applied, used when no
// config file is given.
func Default() *Config {
	cfg := &Config{InstanceID: "drivecap"}
	// Validate never fails on the zero-value-plus-instance-id config
	_ = Validate(cfg)
	return cfg
}
