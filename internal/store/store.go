// Package store provides durable keyed storage for task records. It owns
// the task lifecycle: all status transitions go through its guarded methods
// and no caller mutates a record in place.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/astroinsight/astroinsight/internal/task"
)

var (
	// ErrNotFound is returned when the task does not exist.
	ErrNotFound = errors.New("task not found")

	// ErrNotClaimable is returned by Acquire when the task is not in a
	// deliverable state: already running under a live lease, terminal,
	// cancelled, or not yet due. Workers treat it as "skip and move on".
	ErrNotClaimable = errors.New("task not claimable")

	// ErrConflict is returned when a transition is rejected because the
	// record is no longer in the expected state, e.g. completing a task
	// that was cancelled mid-flight. Forward-only status is enforced by
	// rejecting, never by overwriting.
	ErrConflict = errors.New("conflicting task state")
)

// TaskStore is the durable record store for tasks.
//
// Status transitions are compare-and-swap guarded so they can only move
// forward, and terminal writes set status together with result or error in
// a single record write, so readers never observe a succeeded task without
// its result.
type TaskStore interface {
	// Create persists a new task. The caller sets the initial status:
	// pending for queued work, or succeeded for cache-hit short circuits.
	Create(ctx context.Context, t *task.Task) error

	// Get returns a snapshot of the task.
	Get(ctx context.Context, id string) (*task.Task, error)

	// Acquire claims a pending, due task for execution: marks it running,
	// increments the attempt count, and sets the lease expiry.
	Acquire(ctx context.Context, id string, lease time.Duration) (*task.Task, error)

	// Complete marks a running task succeeded with its result.
	Complete(ctx context.Context, id string, result json.RawMessage) error

	// Fail marks a running task failed with a structured error.
	Fail(ctx context.Context, id string, terr *task.Error) error

	// ExtendLease pushes a running task's lease expiry out from now.
	// Workers heartbeat through this while a handler runs, so ownership
	// survives executions longer than a single lease. Returns ErrConflict
	// when the task is no longer running, which tells the worker its claim
	// was lost.
	ExtendLease(ctx context.Context, id string, lease time.Duration) error

	// Release returns a running task to pending for a later retry,
	// recording the attempt's error and the earliest re-delivery time.
	Release(ctx context.Context, id string, lastErr string, runAfter time.Time) error

	// Cancel marks a pending or running task cancelled. Cancelling an
	// already-terminal task returns ErrConflict.
	Cancel(ctx context.Context, id string) error

	// ReclaimExpired flips running tasks whose lease has expired back to
	// pending and returns their IDs for re-delivery. The attempt count is
	// preserved, so a crashed worker is only visible as an extra attempt.
	ReclaimExpired(ctx context.Context, limit int) ([]string, error)

	// PendingDue returns IDs of pending tasks due before the given time,
	// for queue re-seeding after a crash between persist and enqueue.
	PendingDue(ctx context.Context, before time.Time, limit int) ([]string, error)

	// DeleteTerminalBefore garbage-collects terminal records last updated
	// before the cutoff, returning the number removed.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}
