// Package broker opens the queue producer and consumer for the configured driver.
package broker

import (
	"errors"
	"fmt"
	"log/slog"

	"order-relay/internal/config"
	"order-relay/internal/queue"
	kafkaqueue "order-relay/internal/queue/kafka"
	memoryqueue "order-relay/internal/queue/memory"
	natsqueue "order-relay/internal/queue/nats"
	rabbitqueue "order-relay/internal/queue/rabbitmq"
	redisqueue "order-relay/internal/queue/redis"
)

// memoryBufferSize is the capacity of the in-process queue.
const memoryBufferSize = 1000

// Client holds both sides of the broker connection.
type Client struct {
	Producer queue.Producer
	Consumer queue.Consumer

	closers []func() error
}

// Open builds the producer and consumer for cfg.Broker.Driver.
func Open(cfg *config.Config, logger *slog.Logger) (*Client, error) {
	b := &cfg.Broker
	logger = logger.With("driver", string(b.Driver))

	switch b.Driver {
	case config.DriverMemory:
		q := memoryqueue.NewQueue(memoryBufferSize)
		return &Client{Producer: q, Consumer: q, closers: []func() error{q.Close}}, nil

	case config.DriverKafka:
		producer, err := kafkaqueue.NewProducer(b)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka producer: %w", err)
		}
		consumer, err := kafkaqueue.NewConsumer(b, logger)
		if err != nil {
			_ = producer.Close()
			return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
		}
		return &Client{
			Producer: producer,
			Consumer: consumer,
			closers:  []func() error{consumer.Close, producer.Close},
		}, nil

	case config.DriverRabbitMQ:
		producer := rabbitqueue.NewProducer(b, logger)
		consumer := rabbitqueue.NewConsumer(b, logger)
		return &Client{
			Producer: producer,
			Consumer: consumer,
			closers:  []func() error{consumer.Close, producer.Close},
		}, nil

	case config.DriverNATS:
		producer := natsqueue.NewPublisher(b, logger)
		consumer := natsqueue.NewSubscriber(b, logger)
		return &Client{
			Producer: producer,
			Consumer: consumer,
			closers:  []func() error{consumer.Close, producer.Close},
		}, nil

	case config.DriverRedis:
		streams, err := redisqueue.New(b, &cfg.Redis, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open redis streams: %w", err)
		}
		return &Client{Producer: streams, Consumer: streams, closers: []func() error{streams.Close}}, nil

	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownDriver, b.Driver)
	}
}

// Close releases the consumer first, then the producer.
func (c *Client) Close() error {
	var errs []error
	for _, closeFn := range c.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
