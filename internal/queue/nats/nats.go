// Package nats provides NATS implementations of the queue interfaces.
//
// The queue name is used as the subject and the channel as the queue group,
// so parallel delivery loops share the subject's messages instead of each
// receiving a copy. Core NATS has no acknowledgements: a handler error is
// logged and the message is not redelivered.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"order-relay/internal/config"
	"order-relay/internal/queue"
)

// keyHeader carries queue.Message.Key, which NATS has no native field for.
const keyHeader = "Relay-Key"

// serverURL builds the NATS URL for the configured endpoint.
func serverURL(cfg *config.BrokerConfig) string {
	u := url.URL{Scheme: "nats", Host: cfg.Endpoint}
	return u.String()
}

func connect(cfg *config.BrokerConfig, logger *slog.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.Channel),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	conn, err := nats.Connect(serverURL(cfg), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.Endpoint, err)
	}
	return conn, nil
}

// Publisher implements queue.Producer. It connects on first use and
// reconnects after the connection is closed.
type Publisher struct {
	cfg    *config.BrokerConfig
	logger *slog.Logger

	mu   sync.Mutex
	conn *nats.Conn
}

// NewPublisher creates a NATS publisher.
func NewPublisher(cfg *config.BrokerConfig, logger *slog.Logger) *Publisher {
	return &Publisher{cfg: cfg, logger: logger}
}

func (p *Publisher) connection() (*nats.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil && !p.conn.IsClosed() {
		return p.conn, nil
	}
	conn, err := connect(p.cfg, p.logger)
	if err != nil {
		return nil, err
	}
	p.conn = conn
	return conn, nil
}

// Publish sends msg to the subject and flushes, so a nil error means the
// server has received it.
func (p *Publisher) Publish(ctx context.Context, msg *queue.Message) error {
	conn, err := p.connection()
	if err != nil {
		return err
	}

	natsMsg := nats.NewMsg(p.cfg.Queue)
	natsMsg.Data = msg.Value
	for k, v := range msg.Headers {
		natsMsg.Header.Set(k, v)
	}
	if len(msg.Key) > 0 {
		natsMsg.Header.Set(keyHeader, string(msg.Key))
	}

	if err := conn.PublishMsg(natsMsg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.cfg.Queue, err)
	}

	if err := conn.FlushTimeout(flushTimeout(ctx, p.cfg.ConnectTimeout)); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

// Close closes the NATS connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	return nil
}

// errSubscriberClosed ends the delivery loop of a closed subscriber.
var errSubscriberClosed = errors.New("nats subscriber is closed")

// Subscriber implements queue.Consumer.
type Subscriber struct {
	cfg        *config.BrokerConfig
	logger     *slog.Logger
	bufferSize int
	done       chan struct{}

	mu     sync.Mutex
	conn   *nats.Conn
	closed bool
}

// NewSubscriber creates a NATS subscriber.
func NewSubscriber(cfg *config.BrokerConfig, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		cfg:        cfg,
		logger:     logger,
		bufferSize: 64,
		done:       make(chan struct{}),
	}
}

func (s *Subscriber) connection() (*nats.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errSubscriberClosed
	}
	if s.conn != nil && !s.conn.IsClosed() {
		return s.conn, nil
	}
	conn, err := connect(s.cfg, s.logger)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return conn, nil
}

// Start joins the queue group and delivers messages until the context is
// canceled or the subscriber is closed.
func (s *Subscriber) Start(ctx context.Context, handler queue.MessageHandler) error {
	conn, err := s.connection()
	if errors.Is(err, errSubscriberClosed) {
		return nil
	}
	if err != nil {
		return err
	}

	msgCh := make(chan *nats.Msg, s.bufferSize)
	sub, err := conn.QueueSubscribeSyncWithChan(s.cfg.Queue, s.cfg.Group(), msgCh)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.cfg.Queue, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	s.logger.Info("NATS subscription started",
		"subject", s.cfg.Queue,
		"queue", s.cfg.Group(),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-s.done:
			return nil

		case natsMsg := <-msgCh:
			msg := &queue.Message{
				Value:   natsMsg.Data,
				Headers: make(map[string]string, len(natsMsg.Header)),
			}
			for k := range natsMsg.Header {
				if k == keyHeader {
					msg.Key = []byte(natsMsg.Header.Get(k))
					continue
				}
				msg.Headers[k] = natsMsg.Header.Get(k)
			}

			if err := handler(ctx, msg); err != nil {
				s.logger.Error("failed to process message",
					"subject", natsMsg.Subject,
					"error", err,
				)
			}
		}
	}
}

// Close closes the NATS connection, ending every subscription.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	return nil
}

// flushTimeout bounds the flush by the context deadline when there is one.
func flushTimeout(ctx context.Context, fallback time.Duration) time.Duration {
	if fallback <= 0 {
		fallback = 5 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 && d < fallback {
			return d
		}
	}
	return fallback
}
