package order

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"order-relay/internal/domain"
	"order-relay/internal/metrics"
	"order-relay/internal/queue"
	"order-relay/internal/relay"
)

// Listener receives orders from the broker and deposits them in the relay
// buffer. An order that arrives while the buffer is occupied is dropped.
type Listener struct {
	consumer    queue.Consumer
	buffer      *relay.Buffer[domain.Order]
	concurrency int
	logger      *slog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewListener creates a listener running concurrency delivery loops.
// Values below one are treated as one.
func NewListener(
	consumer queue.Consumer,
	buffer *relay.Buffer[domain.Order],
	concurrency int,
	logger *slog.Logger,
) *Listener {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Listener{
		consumer:    consumer,
		buffer:      buffer,
		concurrency: concurrency,
		logger:      logger,
		minBackoff:  500 * time.Millisecond,
		maxBackoff:  30 * time.Second,
	}
}

// Start registers Handle with the consumer and blocks until ctx is done.
// A delivery loop that fails, for example because the broker is unreachable
// or restarted, is started again after a backoff. A loop that returns nil
// means the consumer was closed and is not restarted.
func (l *Listener) Start(ctx context.Context) error {
	l.logger.Info("starting order listener", "concurrency", l.concurrency)

	var wg sync.WaitGroup
	for i := 0; i < l.concurrency; i++ {
		wg.Add(1)
		go func(loop int) {
			defer wg.Done()
			l.run(ctx, loop)
		}(i)
	}
	wg.Wait()
	return nil
}

// run keeps one delivery loop alive until ctx is done.
func (l *Listener) run(ctx context.Context, loop int) {
	backoff := l.minBackoff
	for {
		started := time.Now()
		err := l.consumer.Start(ctx, l.Handle)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			l.logger.Info("delivery loop stopped", "loop", loop)
			return
		}

		// A loop that ran for a while starts over from the shortest wait.
		if time.Since(started) > l.maxBackoff {
			backoff = l.minBackoff
		}
		metrics.ListenerRestartsTotal.Inc()
		l.logger.Warn("delivery loop failed, retrying",
			"loop", loop,
			"retry_in", backoff.String(),
			"error", err,
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		backoff *= 2
		if backoff > l.maxBackoff {
			backoff = l.maxBackoff
		}
	}
}

// Handle is the delivery callback. It returns nil for every message so the
// broker never redelivers, including malformed ones and dropped ones.
func (l *Listener) Handle(ctx context.Context, msg *queue.Message) error {
	o, err := domain.DecodeOrder(msg.Value)
	if err != nil {
		metrics.MalformedMessagesTotal.Inc()
		l.logger.Error("discarding malformed message",
			"message_id", msg.Header(queue.HeaderMessageID),
			"error", err,
		)
		return nil
	}

	metrics.OrdersReceivedTotal.Inc()
	l.logger.Info("received order", "order", o.String(), "order_id", o.ID)

	if !l.buffer.Deposit(o) {
		metrics.RelayDepositsTotal.WithLabelValues(metrics.ResultDropped).Inc()
		l.logger.Warn("relay buffer full, order dropped", "order_id", o.ID)
		return nil
	}
	metrics.RelayDepositsTotal.WithLabelValues(metrics.ResultStored).Inc()
	return nil
}
