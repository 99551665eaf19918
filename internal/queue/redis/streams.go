// Package redis implements the queue interfaces on Redis Streams.
// The queue name is the stream key and the channel is the consumer group.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"order-relay/internal/config"
	"order-relay/internal/queue"
)

// Stream field names.
const (
	fieldPayload = "p"
	fieldKey     = "k"
	fieldHeaders = "h"
)

// Streams implements both queue.Producer and queue.Consumer.
type Streams struct {
	client *redis.Client
	key    string
	group  string
	logger *slog.Logger

	// maxLen caps the stream length via XADD MAXLEN ~. No trimming when <= 0.
	maxLen int64
	count  int64
	block  time.Duration

	groupMu    sync.Mutex
	groupReady bool
	closeOnce  sync.Once
	closeErr  error
}

// New connects to Redis and returns a stream queue. The connection is
// verified with PING so misconfiguration surfaces at startup.
func New(cfg *config.BrokerConfig, rcfg *config.RedisConfig, logger *slog.Logger) (*Streams, error) {
	opts := &redis.Options{
		Addr:        cfg.Endpoint,
		DB:          rcfg.DB,
		DialTimeout: cfg.ConnectTimeout,
	}
	if cfg.Password != "" {
		opts.Username = cfg.User
		opts.Password = cfg.Password
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewWithClient(client, cfg.Queue, cfg.Group(), rcfg.MaxLen, int64(rcfg.BatchSize), logger)
}

// NewWithClient builds a stream queue on an existing client. The queue
// takes ownership of the client and closes it on Close.
func NewWithClient(client *redis.Client, key, group string, maxLen, count int64, logger *slog.Logger) (*Streams, error) {
	if client == nil {
		return nil, errors.New("redis client is nil")
	}
	if key == "" {
		return nil, errors.New("redis streams requires key")
	}
	if group == "" {
		return nil, errors.New("redis streams requires consumer group")
	}
	if count <= 0 {
		count = 1
	}
	return &Streams{
		client: client,
		key:    key,
		group:  group,
		logger: logger,
		maxLen: maxLen,
		count:  count,
		block:  2 * time.Second,
	}, nil
}

// Publish appends the message to the stream.
func (s *Streams) Publish(ctx context.Context, msg *queue.Message) error {
	values := map[string]interface{}{
		fieldPayload: msg.Value,
		fieldKey:     msg.Key,
	}
	if len(msg.Headers) > 0 {
		headers, err := json.Marshal(msg.Headers)
		if err != nil {
			return fmt.Errorf("failed to encode headers: %w", err)
		}
		values[fieldHeaders] = headers
	}

	args := &redis.XAddArgs{
		Stream: s.key,
		Values: values,
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to add message to stream %s: %w", s.key, err)
	}
	return nil
}

// ensureGroup creates the stream and consumer group. An existing group is
// not an error. Only success is remembered, so a failed attempt is retried
// by the next Start.
func (s *Streams) ensureGroup(ctx context.Context) error {
	s.groupMu.Lock()
	defer s.groupMu.Unlock()

	if s.groupReady {
		return nil
	}
	err := s.client.XGroupCreateMkStream(ctx, s.key, s.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s: %w", s.group, err)
	}
	s.groupReady = true
	return nil
}

// Start reads from the consumer group under a unique consumer name until
// the context is canceled. Messages are acknowledged when the handler
// returns nil and stay pending otherwise.
func (s *Streams) Start(ctx context.Context, handler queue.MessageHandler) error {
	if err := s.ensureGroup(ctx); err != nil {
		return err
	}

	consumer := s.group + "-" + uuid.NewString()
	s.logger.Info("starting redis stream consumer",
		"stream", s.key,
		"group", s.group,
		"consumer", consumer,
	)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: consumer,
			Streams:  []string{s.key, ">"},
			Count:    s.count,
			Block:    s.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, redis.ErrClosed) {
				return nil
			}
			s.logger.Error("failed to read from stream", "stream", s.key, "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		for _, stream := range res {
			for _, m := range stream.Messages {
				s.deliver(ctx, m, handler)
			}
		}
	}
}

func (s *Streams) deliver(ctx context.Context, m redis.XMessage, handler queue.MessageHandler) {
	msg, err := decode(m)
	if err != nil {
		// Unreadable entries are acknowledged so they are not claimed again.
		s.logger.Warn("malformed stream entry", "id", m.ID, "error", err)
		_ = s.client.XAck(ctx, s.key, s.group, m.ID).Err()
		return
	}

	if err := handler(ctx, msg); err != nil {
		s.logger.Error("failed to process message", "id", m.ID, "error", err)
		return
	}
	if err := s.client.XAck(ctx, s.key, s.group, m.ID).Err(); err != nil {
		s.logger.Error("failed to ack message", "id", m.ID, "error", err)
	}
}

func decode(m redis.XMessage) (*queue.Message, error) {
	raw, ok := m.Values[fieldPayload]
	if !ok {
		return nil, fmt.Errorf("missing payload field %q", fieldPayload)
	}
	payload, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("payload has type %T", raw)
	}

	msg := &queue.Message{Value: []byte(payload)}
	if k, ok := m.Values[fieldKey].(string); ok && k != "" {
		msg.Key = []byte(k)
	}
	if h, ok := m.Values[fieldHeaders].(string); ok && h != "" {
		if err := json.Unmarshal([]byte(h), &msg.Headers); err != nil {
			return nil, fmt.Errorf("invalid headers: %w", err)
		}
	}
	return msg, nil
}

// Pending returns the number of delivered but unacknowledged entries.
func (s *Streams) Pending(ctx context.Context) (int64, error) {
	p, err := s.client.XPending(ctx, s.key, s.group).Result()
	if err != nil {
		return 0, err
	}
	return p.Count, nil
}

// Close closes the underlying client. Safe to call more than once, since the
// same value serves as producer and consumer.
func (s *Streams) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.client.Close()
	})
	return s.closeErr
}
