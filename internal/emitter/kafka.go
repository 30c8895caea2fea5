package emitter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/e7canasta/orion-pose/internal/config"
)

// producer is the part of *kafka.Producer the sink uses.
type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Flush(timeoutMs int) int
	Close()
}

// Kafka publishes joint updates to a Kafka topic. Produce is asynchronous;
// delivery reports are consumed by a background goroutine.
type Kafka struct {
	producer     producer
	topic        string
	instanceID   string
	deliveryChan chan kafka.Event
	logger       zerolog.Logger

	sent   atomic.Uint64
	acked  atomic.Uint64
	failed atomic.Uint64

	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	maxRetries  int
	baseBackoff time.Duration
}

// NewKafka creates the producer and starts the delivery report handler.
func NewKafka(cfg config.KafkaConfig, instanceID string) (*Kafka, error) {
	p, err := kafka.NewProducer(producerConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}
	k := newKafka(p, cfg.Topic, instanceID)
	k.logger.Info().
		Str("topic", cfg.Topic).
		Str("servers", cfg.BootstrapServers).
		Msg("kafka producer initialized")
	return k, nil
}

func newKafka(p producer, topic, instanceID string) *Kafka {
	ctx, cancel := context.WithCancel(context.Background())
	k := &Kafka{
		producer:     p,
		topic:        topic,
		instanceID:   instanceID,
		deliveryChan: make(chan kafka.Event, 1000),
		logger:       log.With().Str("component", "emitter").Str("sink", "kafka").Logger(),
		ctx:          ctx,
		cancel:       cancel,
		maxRetries:   3,
		baseBackoff:  50 * time.Millisecond,
	}
	k.wg.Add(1)
	go k.handleDeliveryReports()
	return k
}

func producerConfig(cfg config.KafkaConfig) *kafka.ConfigMap {
	cm := &kafka.ConfigMap{
		"bootstrap.servers":                     cfg.BootstrapServers,
		"security.protocol":                     cfg.SecurityProtocol,
		"compression.type":                      cfg.Compression,
		"acks":                                  cfg.Acks,
		"linger.ms":                             cfg.LingerMS,
		"max.in.flight.requests.per.connection": cfg.MaxInFlight,
		"batch.size":                            cfg.BatchSize,
		"enable.idempotence":                    true,
		"request.timeout.ms":                    30000,
		"delivery.timeout.ms":                   120000,
	}
	if cfg.SASLMechanism != "" {
		(*cm)["sasl.mechanism"] = cfg.SASLMechanism
		(*cm)["sasl.username"] = cfg.SASLUsername
		(*cm)["sasl.password"] = cfg.SASLPassword
	}
	return cm
}

func (k *Kafka) handleDeliveryReports() {
	defer k.wg.Done()
	for {
		select {
		case <-k.ctx.Done():
			return
		case e := <-k.deliveryChan:
			m, ok := e.(*kafka.Message)
			if !ok {
				continue
			}
			if m.TopicPartition.Error != nil {
				k.failed.Add(1)
				k.logger.Warn().
					Err(m.TopicPartition.Error).
					Str("offset", m.TopicPartition.Offset.String()).
					Msg("delivery failed")
				continue
			}
			if n := k.acked.Add(1); n%1000 == 0 {
				k.logger.Info().
					Uint64("acked", n).
					Uint64("sent", k.sent.Load()).
					Int32("partition", m.TopicPartition.Partition).
					Msg("kafka deliveries")
			}
		}
	}
}

func (k *Kafka) Name() string { return "kafka" }

// Publish queues u, keyed by instance so one camera stays on one partition.
// A full local queue is retried with exponential backoff.
func (k *Kafka) Publish(u Update) error {
	payload, err := u.ToJSON()
	if err != nil {
		k.failed.Add(1)
		return fmt.Errorf("failed to marshal update: %w", err)
	}

	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &k.topic, Partition: kafka.PartitionAny},
		Key:            []byte(k.instanceID),
		Value:          payload,
		Headers: []kafka.Header{
			{Key: "instance_id", Value: []byte(k.instanceID)},
			{Key: "trace_id", Value: []byte(u.TraceID)},
		},
		Timestamp: u.Timestamp,
	}

	var lastErr error
	for attempt := 0; attempt <= k.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := k.baseBackoff * time.Duration(1<<uint(attempt-1))
			k.logger.Debug().Int("attempt", attempt).Dur("backoff", backoff).Msg("retrying produce")
			select {
			case <-time.After(backoff):
			case <-k.ctx.Done():
				k.failed.Add(1)
				return fmt.Errorf("producer closed: %w", lastErr)
			}
		}

		err := k.producer.Produce(msg, k.deliveryChan)
		if err == nil {
			k.sent.Add(1)
			return nil
		}
		lastErr = err
		if !retriable(err) {
			k.failed.Add(1)
			return fmt.Errorf("non-retriable error: %w", err)
		}
	}

	k.failed.Add(1)
	return fmt.Errorf("failed after %d retries: %w", k.maxRetries, lastErr)
}

func retriable(err error) bool {
	var kerr kafka.Error
	if !errors.As(err, &kerr) {
		return false
	}
	return kerr.Code() == kafka.ErrQueueFull || kerr.IsRetriable()
}

// Stats returns emitter statistics. Connected means the producer is open;
// librdkafka handles broker connections itself.
func (k *Kafka) Stats() Stats {
	return Stats{
		Connected: k.ctx.Err() == nil,
		Published: k.sent.Load(),
		Acked:     k.acked.Load(),
		Errors:    k.failed.Load(),
	}
}

// Close flushes pending messages and shuts the producer down.
func (k *Kafka) Close() error {
	k.closeOnce.Do(func() {
		if remaining := k.producer.Flush(5000); remaining > 0 {
			k.logger.Warn().Int("remaining", remaining).Msg("messages still queued after flush timeout")
		}
		k.cancel()
		k.wg.Wait()
		k.producer.Close()
		k.logger.Info().
			Uint64("sent", k.sent.Load()).
			Uint64("acked", k.acked.Load()).
			Uint64("failed", k.failed.Load()).
			Msg("kafka producer closed")
	})
	return nil
}
