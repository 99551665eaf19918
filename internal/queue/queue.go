// Package queue defines the broker client contract used by the relay.
// Each driver sub-package (memory, kafka, rabbitmq, nats, redis) implements
// Producer and Consumer against one broker.
package queue

import (
	"context"
)

// Header names set by the publisher and understood by every driver.
const (
	HeaderMessageID   = "message_id"
	HeaderContentType = "content_type"
	HeaderDestination = "destination"
)

// Message is a unit of transport on the broker.
type Message struct {
	// Key identifies the message for brokers that partition or route on it.
	Key []byte

	// Value is the encoded payload.
	Value []byte

	// Headers contains optional metadata.
	Headers map[string]string
}

// Header returns the named header or the empty string.
func (m *Message) Header(name string) string {
	if m == nil || m.Headers == nil {
		return ""
	}
	return m.Headers[name]
}

// Producer publishes messages to the configured destination.
// Implementations must be safe for concurrent use.
type Producer interface {
	// Publish sends a message and returns once the driver has confirmed the
	// send attempt. It does not wait for the message to be consumed.
	Publish(ctx context.Context, msg *Message) error

	// Close releases any resources held by the producer.
	Close() error
}

// MessageHandler is invoked on the driver's delivery goroutine for each
// message. Returning nil acknowledges the message; an error leaves it
// unacknowledged where the broker supports redelivery.
type MessageHandler func(ctx context.Context, msg *Message) error

// Consumer delivers messages from the configured destination.
type Consumer interface {
	// Start begins consuming messages and calls the handler for each one.
	// This is a blocking call that runs until the context is canceled
	// or an unrecoverable error occurs. Start may be called from several
	// goroutines to run parallel delivery loops.
	Start(ctx context.Context, handler MessageHandler) error

	// Close stops consuming and releases any resources.
	Close() error
}
