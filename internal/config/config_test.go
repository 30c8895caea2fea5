package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
instance_id: ward-3-bed-2
tracking:
  period_ms: 300
  filter: one_euro
  accumulation: filtered
  inference_timeout_ms: 500
model:
  engine: python
  script: models/run_pose.sh
  model_path: models/pose.onnx
  channels: [top, neck, right_shoulder]
camera:
  rtsp_url: rtsp://10.0.0.5/stream1
  orientation: left
mqtt:
  broker: localhost:1883
`

func TestParseFillsDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 300*time.Millisecond, cfg.TrackingPeriod())
	assert.Equal(t, 0.15, cfg.Tracking.ConfidenceThreshold)
	assert.Equal(t, "one_euro", cfg.Tracking.Filter)
	assert.Equal(t, 500*time.Millisecond, cfg.InferenceTimeout())
	assert.Zero(t, cfg.Watchdog())
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout())

	assert.Equal(t, 640, cfg.Camera.Width)
	assert.Equal(t, 15, cfg.Camera.FPS)
	assert.True(t, cfg.Crop.Enabled)
	assert.Equal(t, 6, cfg.Crop.MinJoints)

	assert.Equal(t, "posed/joints/ward-3-bed-2", cfg.MQTT.Topics.Joints)
	assert.Equal(t, "posed/control/ward-3-bed-2", cfg.MQTT.Topics.Control)
	assert.Equal(t, "posed/health/ward-3-bed-2", cfg.MQTT.Topics.Health)
	assert.Equal(t, byte(1), cfg.MQTT.QoS["control"])
	assert.Equal(t, 8080, cfg.Health.Port)
}

func TestZeroPeriodIsKept(t *testing.T) {
	cfg, err := Parse([]byte("instance_id: cam-1\ntracking:\n  period_ms: 0\n"))
	require.NoError(t, err)
	assert.Zero(t, cfg.TrackingPeriod())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"missing instance":   "tracking:\n  period_ms: 10\n",
		"bad instance":       "instance_id: Ward_3\n",
		"negative period":    "instance_id: a\ntracking:\n  period_ms: -1\n",
		"threshold too high": "instance_id: a\ntracking:\n  confidence_threshold: 1.5\n",
		"unknown filter":     "instance_id: a\ntracking:\n  filter: kalman\n",
		"unknown accum":      "instance_id: a\ntracking:\n  accumulation: both\n",
		"python no script":   "instance_id: a\nmodel:\n  engine: python\n  model_path: m.onnx\n",
		"unknown engine":     "instance_id: a\nmodel:\n  engine: tensorrt\n",
		"bad channel":        "instance_id: a\nmodel:\n  channels: [neck, tail]\n",
		"bad orientation":    "instance_id: a\ncamera:\n  orientation: sideways\n",
		"zero fps":           "instance_id: a\ncamera:\n  fps: 0\n",
		"crop smoothing":     "instance_id: a\ncrop:\n  smoothing: 0\n",
		"kafka no servers":   "instance_id: a\nkafka:\n  enabled: true\n",
		"bad qos":            "instance_id: a\nmqtt:\n  qos:\n    joints: 3\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestDisabledCropSkipsCropValidation(t *testing.T) {
	_, err := Parse([]byte("instance_id: a\ncrop:\n  enabled: false\n  smoothing: 0\n"))
	assert.NoError(t, err)
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("instance_id: [unterminated"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalid)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("POSED_INSTANCE_ID", "from-env")
	t.Setenv("POSED_KAFKA_ENABLED", "true")
	t.Setenv("POSED_KAFKA_BOOTSTRAP_SERVERS", "broker:9092")
	t.Setenv("POSED_KAFKA_SASL_PASSWORD", "s3cret")
	t.Setenv("POSED_TRACKING_PERIOD_MS", "not-a-number")
	t.Setenv("POSED_HEALTH_PORT", "9090")

	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.InstanceID)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, "broker:9092", cfg.Kafka.BootstrapServers)
	assert.Equal(t, "posed-joints", cfg.Kafka.Topic)
	assert.Equal(t, "s3cret", cfg.Kafka.SASLPassword)
	assert.Equal(t, 300, cfg.Tracking.PeriodMS)
	assert.Equal(t, 9090, cfg.Health.Port)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "posed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ward-3-bed-2", cfg.InstanceID)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
