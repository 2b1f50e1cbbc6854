// Package audit publishes key lifecycle events.
package audit

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"github.com/turtacn/cryptod/internal/config"
	"github.com/turtacn/cryptod/internal/domain/models"
	"github.com/turtacn/cryptod/internal/domain/service"
	"github.com/turtacn/cryptod/pkg/errors"
	"github.com/turtacn/cryptod/pkg/logger"
)

// SignatureHeader carries the HMAC of the message value when a signing secret is configured.
const SignatureHeader = "x-cryptod-signature"

// MessageWriter is the part of *kafka.Writer the producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes key events to a Kafka topic, keyed by tenant so that the events
// of one tenant stay ordered within a partition.
type KafkaProducer struct {
	writer MessageWriter
	secret string
	logger logger.Logger
}

// NewKafkaProducer creates a producer writing to cfg.Topic.
func NewKafkaProducer(cfg *config.KafkaConfig, log logger.Logger) *KafkaProducer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: cfg.WriteTimeout,
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	return NewKafkaProducerWithWriter(writer, cfg.SigningSecret, log)
}

// NewKafkaProducerWithWriter creates a producer over an existing writer.
func NewKafkaProducerWithWriter(writer MessageWriter, secret string, log logger.Logger) *KafkaProducer {
	return &KafkaProducer{
		writer: writer,
		secret: secret,
		logger: log.WithComponent("KafkaProducer"),
	}
}

// Publish sends event to the topic.
func (p *KafkaProducer) Publish(ctx context.Context, event *models.KeyEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return errors.ErrInternal("failed to encode key event", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.TenantID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
		},
	}
	if p.secret != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: SignatureHeader, Value: []byte(SignPayload(value, p.secret))})
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error(ctx, "Failed to write key event to Kafka", err,
			logger.String("event_id", event.EventID),
			logger.String("tenant_id", event.TenantID),
		)
		return errors.ErrTransient("failed to publish key event", err)
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

// NoopPublisher drops every event. It is used when Kafka is disabled.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, *models.KeyEvent) error { return nil }
func (NoopPublisher) Close() error                                    { return nil }

var (
	_ service.KeyEventPublisher = (*KafkaProducer)(nil)
	_ service.KeyEventPublisher = NoopPublisher{}
)
