package config

import (
	"fmt"
	"regexp"

	"github.com/e7canasta/orion-pose/internal/filter"
	"github.com/e7canasta/orion-pose/internal/heatmap"
	"github.com/e7canasta/orion-pose/internal/types"
	"github.com/e7canasta/orion-pose/internal/window"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks the configuration and fills derived defaults (topics, QoS).
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return invalid("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return invalid("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if err := validateTracking(&cfg.Tracking); err != nil {
		return err
	}
	if err := validateModel(&cfg.Model); err != nil {
		return err
	}
	if err := validateCamera(&cfg.Camera); err != nil {
		return err
	}
	if err := validateCrop(&cfg.Crop); err != nil {
		return err
	}

	// MQTT is optional; topics only matter once a broker is set
	if cfg.MQTT.Topics.Joints == "" {
		cfg.MQTT.Topics.Joints = fmt.Sprintf("posed/joints/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("posed/control/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Health == "" {
		cfg.MQTT.Topics.Health = fmt.Sprintf("posed/health/%s", cfg.InstanceID)
	}
	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{
			"joints":  0,
			"control": 1,
			"health":  0,
		}
	}
	for name, qos := range cfg.MQTT.QoS {
		if qos > 2 {
			return invalid("mqtt.qos.%s must be 0, 1 or 2, got %d", name, qos)
		}
	}

	if cfg.Kafka.Enabled {
		if cfg.Kafka.BootstrapServers == "" {
			return invalid("kafka.bootstrap_servers is required when kafka is enabled")
		}
		if cfg.Kafka.Topic == "" {
			cfg.Kafka.Topic = "posed-joints"
		}
	}

	if cfg.Health.Port < 0 || cfg.Health.Port > 65535 {
		return invalid("health.port out of range: %d", cfg.Health.Port)
	}
	return nil
}

func validateTracking(t *TrackingConfig) error {
	if t.PeriodMS < 0 {
		return invalid("tracking.period_ms must be >= 0")
	}
	if t.ConfidenceThreshold < 0 || t.ConfidenceThreshold >= 1 {
		return invalid("tracking.confidence_threshold must be in [0, 1)")
	}
	if _, err := filter.ParseKind(t.Filter); err != nil {
		return invalid("tracking.filter: %v", err)
	}
	if _, err := window.ParseAccumulation(t.Accumulation); err != nil {
		return invalid("tracking.accumulation: %v", err)
	}
	if t.InferenceTimeoutMS < 0 {
		return invalid("tracking.inference_timeout_ms must be >= 0")
	}
	if t.WatchdogS < 0 {
		return invalid("tracking.watchdog_s must be >= 0")
	}
	return nil
}

func validateModel(m *ModelConfig) error {
	switch m.Engine {
	case "", "synthetic":
		m.Engine = "synthetic"
	case "python":
		if m.Script == "" {
			return invalid("model.script is required for the python engine")
		}
		if m.ModelPath == "" {
			return invalid("model.model_path is required for the python engine")
		}
	default:
		return invalid("unknown model.engine %q (must be 'python' or 'synthetic')", m.Engine)
	}
	if _, err := heatmap.ParseChannelMap(m.Channels); err != nil {
		return invalid("model.channels: %v", err)
	}
	if m.InputWidth <= 0 || m.InputHeight <= 0 {
		return invalid("model input size must be > 0, got %dx%d", m.InputWidth, m.InputHeight)
	}
	if m.LatencyMS < 0 {
		return invalid("model.latency_ms must be >= 0")
	}
	return nil
}

func validateCamera(c *CameraConfig) error {
	if c.Width <= 0 || c.Height <= 0 {
		return invalid("camera resolution must be > 0, got %dx%d", c.Width, c.Height)
	}
	if c.FPS <= 0 {
		return invalid("camera.fps must be > 0")
	}
	if _, err := types.ParseOrientation(c.Orientation); err != nil {
		return invalid("camera.orientation: %v", err)
	}
	return nil
}

func validateCrop(c *CropConfig) error {
	if !c.Enabled {
		return nil
	}
	if c.MinJoints <= 0 {
		return invalid("crop.min_joints must be > 0")
	}
	if c.PaddingX < 0 || c.PaddingY < 0 {
		return invalid("crop padding must be >= 0")
	}
	if c.Smoothing <= 0 || c.Smoothing > 1 {
		return invalid("crop.smoothing must be in (0, 1]")
	}
	return nil
}
