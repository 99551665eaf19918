// Package kafka provides Kafka-based implementations of the queue interfaces.
// The broker queue maps to the topic and the channel to the consumer group.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"

	"order-relay/internal/config"
	"order-relay/internal/queue"
)

// Producer implements queue.Producer using Kafka.
type Producer struct {
	writer *kafka.Writer
}

// NewProducer creates a new Kafka producer. Writes are synchronous: Publish
// returns after the partition leader acknowledged the message.
func NewProducer(cfg *config.BrokerConfig) (*Producer, error) {
	if len(cfg.Endpoints()) == 0 {
		return nil, fmt.Errorf("kafka producer requires at least one endpoint")
	}
	if cfg.Queue == "" {
		return nil, fmt.Errorf("kafka producer requires a topic")
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Endpoints()...),
		Topic:                  cfg.Queue,
		Balancer:               &kafka.Hash{}, // Use key-based partitioning
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		Transport: &kafka.Transport{
			DialTimeout: cfg.ConnectTimeout,
			SASL:        mechanism(cfg),
		},
	}

	return &Producer{writer: writer}, nil
}

// Publish sends a message to Kafka.
func (p *Producer) Publish(ctx context.Context, msg *queue.Message) error {
	kafkaMsg := kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
	}

	if len(msg.Headers) > 0 {
		kafkaMsg.Headers = make([]kafka.Header, 0, len(msg.Headers))
		for k, v := range msg.Headers {
			kafkaMsg.Headers = append(kafkaMsg.Headers, kafka.Header{
				Key:   k,
				Value: []byte(v),
			})
		}
	}

	if err := p.writer.WriteMessages(ctx, kafkaMsg); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}

	return nil
}

// Close closes the Kafka writer.
func (p *Producer) Close() error {
	if p.writer != nil {
		return p.writer.Close()
	}
	return nil
}

// mechanism returns SASL/PLAIN credentials when both user and password are set.
func mechanism(cfg *config.BrokerConfig) sasl.Mechanism {
	if cfg.User == "" || cfg.Password == "" {
		return nil
	}
	return plain.Mechanism{
		Username: cfg.User,
		Password: cfg.Password,
	}
}
