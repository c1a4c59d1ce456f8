// Package queue hands pending task IDs from submitters to workers. The
// durable task record lives in the store and is written before anything is
// enqueued, so the queue itself carries only IDs and can stay simple:
// losing a queue entry means late delivery (the reaper re-seeds from the
// store), never lost state.
package queue

import (
	"context"
	"errors"
)

// ErrClosed is returned once the queue has been shut down.
var ErrClosed = errors.New("queue closed")

// Queue is an ordered hand-off of task IDs with best-effort FIFO ordering.
// Delivery is at-least-once: the same ID may be delivered more than once,
// and consumers deduplicate through the store's claim guard.
type Queue interface {
	// Enqueue makes the task ID visible to workers. Blocks while the
	// queue is full until ctx is done.
	Enqueue(ctx context.Context, taskID string) error

	// Dequeue blocks until an ID is available, ctx is done, or the queue
	// is closed.
	Dequeue(ctx context.Context) (string, error)

	Close() error
}
