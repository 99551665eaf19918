package memory

import "errors"

// ErrQueueClosed is returned when publishing to or consuming from a closed queue.
var ErrQueueClosed = errors.New("queue is closed")
