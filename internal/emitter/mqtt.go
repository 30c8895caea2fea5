package emitter

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/e7canasta/orion-pose/internal/config"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// MQTT publishes joint updates and health messages to an MQTT broker.
type MQTT struct {
	cfg      config.MQTTConfig
	clientID string
	logger   zerolog.Logger
	client   mqtt.Client

	mu        sync.RWMutex
	published uint64
	errors    uint64
	connected bool
}

// NewMQTT creates an MQTT emitter. Call Connect before publishing.
func NewMQTT(cfg config.MQTTConfig, clientID string) *MQTT {
	return &MQTT{
		cfg:      cfg,
		clientID: clientID,
		logger:   log.With().Str("component", "emitter").Str("sink", "mqtt").Logger(),
	}
}

// Connect establishes the connection to the broker. The client reconnects on
// its own afterwards.
func (e *MQTT) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.Broker))
	opts.SetClientID(e.clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		e.logger.Info().
			Str("broker", e.cfg.Broker).
			Str("client_id", e.clientID).
			Msg("mqtt connection established")
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		e.logger.Warn().
			Err(err).
			Str("broker", e.cfg.Broker).
			Msg("mqtt connection lost, will auto-reconnect")
	}

	e.client = mqtt.NewClient(opts)
	e.logger.Info().Str("broker", e.cfg.Broker).Msg("connecting to mqtt broker")

	token := e.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(connectTimeout):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	e.setConnected(true)
	return nil
}

// Client exposes the connection for the control plane.
func (e *MQTT) Client() mqtt.Client {
	return e.client
}

func (e *MQTT) Name() string { return "mqtt" }

// Publish sends u to the joints topic.
func (e *MQTT) Publish(u Update) error {
	payload, err := u.ToJSON()
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal update: %w", err)
	}
	if err := e.publish(e.cfg.Topics.Joints, e.qos("joints"), payload); err != nil {
		e.countError()
		return err
	}

	e.mu.Lock()
	e.published++
	e.mu.Unlock()

	e.logger.Debug().
		Str("topic", e.cfg.Topics.Joints).
		Uint64("seq", u.Seq).
		Int("joints", len(u.Joints)).
		Int("size", len(payload)).
		Msg("joints published")
	return nil
}

// PublishHealth sends a payload to the health topic. Control plane
// responses go here as well.
func (e *MQTT) PublishHealth(payload []byte) error {
	return e.publish(e.cfg.Topics.Health, e.qos("health"), payload)
}

func (e *MQTT) publish(topic string, qos byte, payload []byte) error {
	if !e.isConnected() {
		return fmt.Errorf("mqtt not connected")
	}
	token := e.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

// Close disconnects from the broker
func (e *MQTT) Close() error {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		e.logger.Info().Msg("mqtt disconnected")
	}
	e.setConnected(false)
	return nil
}

// Stats returns emitter statistics
func (e *MQTT) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{
		Connected: e.connected,
		Published: e.published,
		Errors:    e.errors,
	}
}

func (e *MQTT) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected && e.client != nil
}

func (e *MQTT) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTT) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

func (e *MQTT) qos(kind string) byte {
	if qos, ok := e.cfg.QoS[kind]; ok {
		return qos
	}
	return 0
}
