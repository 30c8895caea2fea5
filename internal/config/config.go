// Package config loads the posed YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config represents the complete posed configuration
type Config struct {
	InstanceID       string         `yaml:"instance_id"`
	ShutdownTimeoutS int            `yaml:"shutdown_timeout_s"` // graceful shutdown timeout in seconds (default: 5)
	Tracking         TrackingConfig `yaml:"tracking"`
	Model            ModelConfig    `yaml:"model"`
	Camera           CameraConfig   `yaml:"camera"`
	Crop             CropConfig     `yaml:"crop"`
	MQTT             MQTTConfig     `yaml:"mqtt"`
	Kafka            KafkaConfig    `yaml:"kafka"`
	Health           HealthConfig   `yaml:"health"`
}

// TrackingConfig contains pose window settings
type TrackingConfig struct {
	PeriodMS            int     `yaml:"period_ms"`            // 0 disables temporal smoothing
	ConfidenceThreshold float64 `yaml:"confidence_threshold"` // exclusive
	Filter              string  `yaml:"filter"`               // bone_distance, low_pass, moving_average, one_euro
	Accumulation        string  `yaml:"accumulation"`         // unfiltered, filtered
	InferenceTimeoutMS  int     `yaml:"inference_timeout_ms"` // 0 = no timeout
	WatchdogS           int     `yaml:"watchdog_s"`           // 0 = disabled
}

// ModelConfig contains inference engine settings
type ModelConfig struct {
	Engine      string   `yaml:"engine"`   // python, synthetic
	Channels    []string `yaml:"channels"` // joint names in channel order
	Script      string   `yaml:"script"`
	ModelPath   string   `yaml:"model_path"`
	InputWidth  int      `yaml:"input_width"`
	InputHeight int      `yaml:"input_height"`
	LatencyMS   int      `yaml:"latency_ms"` // synthetic engine only
}

// CameraConfig contains camera settings
type CameraConfig struct {
	RTSPURL     string `yaml:"rtsp_url"` // empty = synthetic source
	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
	FPS         int    `yaml:"fps"`
	Orientation string `yaml:"orientation"` // up, right, down, left
	Mirrored    bool   `yaml:"mirrored"`
}

// CropConfig contains dynamic crop box settings
type CropConfig struct {
	Enabled   bool    `yaml:"enabled"`
	MinJoints int     `yaml:"min_joints"`
	PaddingX  float64 `yaml:"padding_x"`
	PaddingY  float64 `yaml:"padding_y"`
	Smoothing float64 `yaml:"smoothing"`
}

// MQTTConfig contains MQTT broker settings. An empty broker disables the
// MQTT sink and the control plane.
type MQTTConfig struct {
	Broker string          `yaml:"broker"`
	Topics MQTTTopics      `yaml:"topics"`
	QoS    map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Joints  string `yaml:"joints"`
	Control string `yaml:"control"`
	Health  string `yaml:"health"`
}

// KafkaConfig contains the optional Kafka sink settings
type KafkaConfig struct {
	Enabled          bool   `yaml:"enabled"`
	BootstrapServers string `yaml:"bootstrap_servers"`
	Topic            string `yaml:"topic"`
	SecurityProtocol string `yaml:"security_protocol"`
	SASLMechanism    string `yaml:"sasl_mechanism"`
	SASLUsername     string `yaml:"sasl_username"`
	SASLPassword     string `yaml:"sasl_password"`
	Compression      string `yaml:"compression"`
	Acks             string `yaml:"acks"`
	LingerMS         int    `yaml:"linger_ms"`
	MaxInFlight      int    `yaml:"max_in_flight"`
	BatchSize        int    `yaml:"batch_size"`
}

// HealthConfig contains the HTTP health server settings
type HealthConfig struct {
	Port int `yaml:"port"`
}

// Default returns a configuration with every default filled in. Load
// unmarshals on top of it, so keys missing from the file keep these values.
func Default() *Config {
	return &Config{
		ShutdownTimeoutS: 5,
		Tracking: TrackingConfig{
			PeriodMS:            200,
			ConfidenceThreshold: 0.15,
			Filter:              "bone_distance",
			Accumulation:        "unfiltered",
		},
		Model: ModelConfig{
			Engine:      "synthetic",
			InputWidth:  192,
			InputHeight: 256,
		},
		Camera: CameraConfig{
			Width:       640,
			Height:      480,
			FPS:         15,
			Orientation: "up",
		},
		Crop: CropConfig{
			Enabled:   true,
			MinJoints: 6,
			PaddingX:  0.40,
			PaddingY:  0.25,
			Smoothing: 0.2,
		},
		Kafka: KafkaConfig{
			SecurityProtocol: "PLAINTEXT",
			Compression:      "snappy",
			Acks:             "all",
			LingerMS:         10,
			MaxInFlight:      5,
			BatchSize:        16384,
		},
		Health: HealthConfig{Port: 8080},
	}
}

// Load reads a YAML configuration file, applies POSED_* environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// TrackingPeriod returns the pose window length.
func (c *Config) TrackingPeriod() time.Duration {
	return time.Duration(c.Tracking.PeriodMS) * time.Millisecond
}

// InferenceTimeout returns the per-inference bound, zero for none.
func (c *Config) InferenceTimeout() time.Duration {
	return time.Duration(c.Tracking.InferenceTimeoutMS) * time.Millisecond
}

// Watchdog returns the stuck-inference timeout, zero when disabled.
func (c *Config) Watchdog() time.Duration {
	return time.Duration(c.Tracking.WatchdogS) * time.Second
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}
