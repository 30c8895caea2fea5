package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// ApplyEnv overrides selected fields from POSED_* environment variables.
// Secrets such as Kafka SASL credentials are expected to come from here
// rather than the YAML file.
func ApplyEnv(cfg *Config) {
	cfg.InstanceID = getEnv("POSED_INSTANCE_ID", cfg.InstanceID)

	cfg.Camera.RTSPURL = getEnv("POSED_RTSP_URL", cfg.Camera.RTSPURL)

	cfg.Model.Engine = getEnv("POSED_ENGINE", cfg.Model.Engine)
	cfg.Model.ModelPath = getEnv("POSED_MODEL_PATH", cfg.Model.ModelPath)

	cfg.Tracking.Filter = getEnv("POSED_TRACKING_FILTER", cfg.Tracking.Filter)
	cfg.Tracking.PeriodMS = getEnvInt("POSED_TRACKING_PERIOD_MS", cfg.Tracking.PeriodMS)

	cfg.MQTT.Broker = getEnv("POSED_MQTT_BROKER", cfg.MQTT.Broker)

	cfg.Kafka.Enabled = getEnvBool("POSED_KAFKA_ENABLED", cfg.Kafka.Enabled)
	cfg.Kafka.BootstrapServers = getEnv("POSED_KAFKA_BOOTSTRAP_SERVERS", cfg.Kafka.BootstrapServers)
	cfg.Kafka.Topic = getEnv("POSED_KAFKA_TOPIC", cfg.Kafka.Topic)
	cfg.Kafka.SecurityProtocol = getEnv("POSED_KAFKA_SECURITY_PROTOCOL", cfg.Kafka.SecurityProtocol)
	cfg.Kafka.SASLMechanism = getEnv("POSED_KAFKA_SASL_MECHANISM", cfg.Kafka.SASLMechanism)
	cfg.Kafka.SASLUsername = getEnv("POSED_KAFKA_SASL_USERNAME", cfg.Kafka.SASLUsername)
	cfg.Kafka.SASLPassword = getEnv("POSED_KAFKA_SASL_PASSWORD", cfg.Kafka.SASLPassword)

	cfg.Health.Port = getEnvInt("POSED_HEALTH_PORT", cfg.Health.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("ignoring non-integer environment override")
		return defaultValue
	}
	return n
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("ignoring non-boolean environment override")
		return defaultValue
	}
	return b
}
