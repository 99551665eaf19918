// Package memory provides an in-process implementation of the queue interfaces.
// It is the default driver and backs the tests.
package memory

import (
	"context"
	"sync"

	"order-relay/internal/queue"
)

// Queue implements both queue.Producer and queue.Consumer on a buffered
// channel. It is safe for concurrent use.
type Queue struct {
	messages chan *queue.Message
	done     chan struct{}
	closed   bool
	mu       sync.RWMutex
	wg       sync.WaitGroup
}

// NewQueue creates a new in-memory queue with the specified buffer size.
// Publish blocks once the buffer is full until space is available or the
// context is canceled.
func NewQueue(bufferSize int) *Queue {
	return &Queue{
		messages: make(chan *queue.Message, bufferSize),
		done:     make(chan struct{}),
	}
}

// Publish enqueues a copy of msg.
func (q *Queue) Publish(ctx context.Context, msg *queue.Message) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrQueueClosed
	}
	q.mu.RUnlock()

	select {
	case q.messages <- clone(msg):
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start consumes messages until the context is canceled or the queue is closed.
// A handler error is treated as a rejected delivery: the message is discarded.
func (q *Queue) Start(ctx context.Context, handler queue.MessageHandler) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrQueueClosed
	}
	q.wg.Add(1)
	q.mu.RUnlock()
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
			return nil
		case msg := <-q.messages:
			_ = handler(ctx, msg)
		}
	}
}

// Close stops all consumers. Messages still buffered are discarded.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()

	q.wg.Wait()
	return nil
}

// Len returns the current number of messages in the queue.
func (q *Queue) Len() int {
	return len(q.messages)
}

// clone copies msg so publisher and consumer never share buffers.
func clone(msg *queue.Message) *queue.Message {
	out := &queue.Message{
		Key:   append([]byte(nil), msg.Key...),
		Value: append([]byte(nil), msg.Value...),
	}
	if msg.Headers != nil {
		out.Headers = make(map[string]string, len(msg.Headers))
		for k, v := range msg.Headers {
			out.Headers[k] = v
		}
	}
	return out
}
