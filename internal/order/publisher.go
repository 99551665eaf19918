// Package order sends orders to the broker and relays the ones it delivers
// back into the relay buffer.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"order-relay/internal/domain"
	"order-relay/internal/metrics"
	"order-relay/internal/queue"
)

// ContentTypeJSON is the content type of every published order.
const ContentTypeJSON = "application/json"

// ErrTransport is matched by every TransportError.
var ErrTransport = errors.New("order transport failed")

// TransportError reports a failed attempt to hand an order to the broker.
type TransportError struct {
	Destination string
	Err         error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("failed to send order to %s: %v", e.Destination, e.Err)
}

// Unwrap returns the underlying driver error.
func (e *TransportError) Unwrap() error { return e.Err }

// Is reports whether target is ErrTransport.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// Publisher sends orders to a single destination. It is safe for
// concurrent use when the producer is.
type Publisher struct {
	producer    queue.Producer
	destination string
	logger      *slog.Logger
}

// NewPublisher creates a publisher for the given destination.
func NewPublisher(producer queue.Producer, destination string, logger *slog.Logger) *Publisher {
	return &Publisher{
		producer:    producer,
		destination: destination,
		logger:      logger,
	}
}

// Destination returns the queue orders are sent to.
func (p *Publisher) Destination() string {
	return p.destination
}

// Send publishes one message for the order. Failures are not retried.
func (p *Publisher) Send(ctx context.Context, o domain.Order) error {
	p.logger.Info("sending order",
		"order", o.String(),
		"order_id", o.ID,
		"destination", p.destination,
	)

	payload, err := domain.EncodeOrder(o)
	if err != nil {
		metrics.OrdersSentTotal.WithLabelValues(metrics.ResultFailure).Inc()
		return &TransportError{Destination: p.destination, Err: err}
	}

	msg := &queue.Message{
		Key:   []byte(o.ID),
		Value: payload,
		Headers: map[string]string{
			queue.HeaderMessageID:   uuid.NewString(),
			queue.HeaderContentType: ContentTypeJSON,
			queue.HeaderDestination: p.destination,
		},
	}

	start := time.Now()
	if err := p.producer.Publish(ctx, msg); err != nil {
		metrics.OrdersSentTotal.WithLabelValues(metrics.ResultFailure).Inc()
		p.logger.Error("failed to send order",
			"order_id", o.ID,
			"destination", p.destination,
			"error", err,
		)
		return &TransportError{Destination: p.destination, Err: err}
	}
	metrics.OrderPublishLatency.Observe(time.Since(start).Seconds())
	metrics.OrdersSentTotal.WithLabelValues(metrics.ResultSuccess).Inc()

	p.logger.Debug("order sent",
		"order_id", o.ID,
		"message_id", msg.Headers[queue.HeaderMessageID],
	)
	return nil
}
