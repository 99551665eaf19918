// Package relay provides the single-slot handoff between the broker delivery
// goroutine and synchronous readers.
package relay

import (
	"context"
	"time"
)

// Buffer is a capacity-one mailbox shared by a producer and a consumer.
// Once a value is deposited, further deposits are discarded until the
// buffered value is taken. The zero value is not usable; use NewBuffer.
//
// Buffer is safe for concurrent use. A deposited value is delivered to
// exactly one Take call.
type Buffer[T any] struct {
	slot chan T
}

// NewBuffer creates an empty buffer.
func NewBuffer[T any]() *Buffer[T] {
	return &Buffer[T]{slot: make(chan T, 1)}
}

// Deposit stores v if the slot is empty and reports whether it was stored.
// It never blocks; when the slot is occupied v is dropped.
func (b *Buffer[T]) Deposit(v T) bool {
	select {
	case b.slot <- v:
		return true
	default:
		return false
	}
}

// Take waits up to timeout for a value and clears the slot.
// The boolean is false when nothing arrived in time. A non-positive
// timeout checks the slot without waiting.
func (b *Buffer[T]) Take(timeout time.Duration) (T, bool) {
	if timeout <= 0 {
		select {
		case v := <-b.slot:
			return v, true
		default:
			var zero T
			return zero, false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v := <-b.slot:
		return v, true
	case <-timer.C:
		var zero T
		return zero, false
	}
}

// TakeContext waits for a value until ctx is done.
func (b *Buffer[T]) TakeContext(ctx context.Context) (T, error) {
	select {
	case v := <-b.slot:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Len returns the number of buffered values (0 or 1).
func (b *Buffer[T]) Len() int {
	return len(b.slot)
}
