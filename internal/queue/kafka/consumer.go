package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"order-relay/internal/config"
	"order-relay/internal/queue"
)

// Consumer implements queue.Consumer using Kafka.
type Consumer struct {
	reader *kafka.Reader
	logger *slog.Logger
}

// NewConsumer creates a new Kafka consumer in the group named by the channel.
func NewConsumer(cfg *config.BrokerConfig, logger *slog.Logger) (*Consumer, error) {
	if len(cfg.Endpoints()) == 0 {
		return nil, fmt.Errorf("kafka consumer requires at least one endpoint")
	}
	if cfg.Group() == "" {
		return nil, fmt.Errorf("kafka consumer requires a consumer group")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Endpoints(),
		Topic:    cfg.Queue,
		GroupID:  cfg.Group(),
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
		Dialer: &kafka.Dialer{
			Timeout:       cfg.ConnectTimeout,
			DualStack:     true,
			SASLMechanism: mechanism(cfg),
		},
	})

	return &Consumer{
		reader: reader,
		logger: logger,
	}, nil
}

// Start begins consuming messages and calls the handler for each one.
// Offsets are committed only after the handler succeeds.
func (c *Consumer) Start(ctx context.Context, handler queue.MessageHandler) error {
	c.logger.Info("starting kafka consumer",
		"topic", c.reader.Config().Topic,
		"group", c.reader.Config().GroupID,
	)

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("kafka consumer stopping due to context cancellation")
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				// Reader was closed.
				return nil
			}
			c.logger.Error("failed to fetch message", "error", err)
			continue
		}

		queueMsg := &queue.Message{
			Key:     msg.Key,
			Value:   msg.Value,
			Headers: make(map[string]string, len(msg.Headers)),
		}
		for _, h := range msg.Headers {
			queueMsg.Headers[h.Key] = string(h.Value)
		}

		if err := handler(ctx, queueMsg); err != nil {
			c.logger.Error("failed to process message",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			continue
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("failed to commit message",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			return fmt.Errorf("failed to commit message: %w", err)
		}
	}
}

// Close closes the Kafka reader.
func (c *Consumer) Close() error {
	if c.reader != nil {
		return c.reader.Close()
	}
	return nil
}
