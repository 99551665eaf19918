// Package rabbitmq provides AMQP 0-9-1 implementations of the queue interfaces.
//
// The broker settings map onto AMQP as follows:
//   - queue manager: virtual host
//   - channel: connection name reported to the broker
//   - endpoint, user, password: dial address and PLAIN credentials
//   - queue: durable queue published to through the default exchange
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"order-relay/internal/config"
	"order-relay/internal/queue"
)

// errConsumerClosed ends the delivery loop of a closed consumer.
var errConsumerClosed = errors.New("rabbitmq consumer is closed")

// dialer opens connections. Tests replace it.
type dialer func(cfg *config.BrokerConfig) (*amqp.Connection, error)

func dial(cfg *config.BrokerConfig) (*amqp.Connection, error) {
	conn, err := amqp.DialConfig(dialURL(cfg), dialConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ at %s: %w", cfg.Endpoint, err)
	}
	return conn, nil
}

// dialURL builds the AMQP URL with escaped credentials. The virtual host is
// carried in the dial config instead of the path.
func dialURL(cfg *config.BrokerConfig) string {
	u := url.URL{
		Scheme: "amqp",
		Host:   cfg.Endpoint,
		Path:   "/",
	}
	if cfg.User != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	}
	return u.String()
}

func dialConfig(cfg *config.BrokerConfig) amqp.Config {
	vhost := cfg.QueueManager
	if vhost == "" {
		vhost = "/"
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return amqp.Config{
		Vhost:      vhost,
		Heartbeat:  10 * time.Second,
		Dial:       amqp.DefaultDial(timeout),
		Properties: amqp.Table{"connection_name": cfg.Channel},
	}
}

// declare makes sure the destination queue exists.
func declare(ch *amqp.Channel, name string) error {
	_, err := ch.QueueDeclare(
		name,  // name
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	return nil
}

// Producer implements queue.Producer. It connects lazily on the first
// Publish and reconnects after a failed one, so an unreachable broker
// surfaces as a Publish error rather than a startup failure.
type Producer struct {
	cfg    *config.BrokerConfig
	dial   dialer
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewProducer creates a RabbitMQ producer.
func NewProducer(cfg *config.BrokerConfig, logger *slog.Logger) *Producer {
	return &Producer{cfg: cfg, dial: dial, logger: logger}
}

// channel returns the confirm-mode channel, connecting if needed.
// Callers must hold p.mu.
func (p *Producer) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.reset()

	conn, err := p.dial(p.cfg)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	if err := declare(ch, p.cfg.Queue); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	p.conn = conn
	p.ch = ch
	p.logger.Info("connected to RabbitMQ",
		"endpoint", p.cfg.Endpoint,
		"vhost", p.cfg.QueueManager,
		"queue", p.cfg.Queue,
	)
	return ch, nil
}

// Publish sends a persistent message to the queue and waits for the broker
// confirmation.
func (p *Producer) Publish(ctx context.Context, msg *queue.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		return err
	}

	publishing := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		ContentType:  msg.Header(queue.HeaderContentType),
		MessageId:    msg.Header(queue.HeaderMessageID),
		Body:         msg.Value,
	}
	if len(msg.Headers) > 0 {
		publishing.Headers = make(amqp.Table, len(msg.Headers))
		for k, v := range msg.Headers {
			publishing.Headers[k] = v
		}
	}
	if len(msg.Key) > 0 {
		publishing.CorrelationId = string(msg.Key)
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(
		ctx,
		"",          // default exchange
		p.cfg.Queue, // routing key
		true,        // mandatory
		false,       // immediate
		publishing,
	)
	if err != nil {
		p.reset()
		return fmt.Errorf("failed to publish to %s: %w", p.cfg.Queue, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to confirm publish to %s: %w", p.cfg.Queue, err)
	}
	if !acked {
		return fmt.Errorf("broker rejected message for %s", p.cfg.Queue)
	}
	return nil
}

// reset drops the current connection. Callers must hold p.mu.
func (p *Producer) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// Close closes the RabbitMQ connection.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
	return nil
}

// Consumer implements queue.Consumer. Every Start call runs one delivery
// loop on its own channel with a prefetch of one.
type Consumer struct {
	cfg    *config.BrokerConfig
	dial   dialer
	logger *slog.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	closed bool
}

// NewConsumer creates a RabbitMQ consumer.
func NewConsumer(cfg *config.BrokerConfig, logger *slog.Logger) *Consumer {
	return &Consumer{cfg: cfg, dial: dial, logger: logger}
}

func (c *Consumer) connection() (*amqp.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errConsumerClosed
	}
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}

	conn, err := c.dial(c.cfg)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return conn, nil
}

// Start consumes from the queue until the context is canceled or the
// delivery channel closes. Messages are acked when the handler returns nil
// and requeued otherwise. Start returns nil once the consumer is closed.
func (c *Consumer) Start(ctx context.Context, handler queue.MessageHandler) error {
	conn, err := c.connection()
	if errors.Is(err, errConsumerClosed) {
		return nil
	}
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	if err := declare(ch, c.cfg.Queue); err != nil {
		return err
	}

	deliveries, err := ch.Consume(
		c.cfg.Queue, // queue
		"",          // consumer tag (auto-generated)
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming %s: %w", c.cfg.Queue, err)
	}

	c.logger.Info("starting rabbitmq consumer",
		"queue", c.cfg.Queue,
		"vhost", c.cfg.QueueManager,
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case delivery, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("rabbitmq delivery channel closed")
			}

			msg := &queue.Message{
				Key:     []byte(delivery.CorrelationId),
				Value:   delivery.Body,
				Headers: make(map[string]string, len(delivery.Headers)),
			}
			for k, v := range delivery.Headers {
				if s, ok := v.(string); ok {
					msg.Headers[k] = s
				}
			}

			if err := handler(ctx, msg); err != nil {
				c.logger.Warn("message nacked",
					"delivery_tag", delivery.DeliveryTag,
					"error", err,
				)
				_ = delivery.Nack(false, true)
				continue
			}
			if err := delivery.Ack(false); err != nil {
				c.logger.Error("failed to ack message",
					"delivery_tag", delivery.DeliveryTag,
					"error", err,
				)
			}
		}
	}
}

// Close closes the RabbitMQ connection, ending every delivery loop.
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		if err != nil && !errors.Is(err, amqp.ErrClosed) {
			return err
		}
	}
	return nil
}
