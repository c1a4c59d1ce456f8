// Package worker runs the bounded pool of task executors. Each slot pulls
// task IDs from the queue, claims the record under a lease, dispatches to
// the registered handler for the task's kind, and writes the classified
// outcome back to the store.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/astroinsight/astroinsight/internal/cache"
	"github.com/astroinsight/astroinsight/internal/queue"
	"github.com/astroinsight/astroinsight/internal/store"
	"github.com/astroinsight/astroinsight/internal/task"
)

// Config sizes the pool and its retry behavior. It is immutable after
// construction.
type Config struct {
	// Size is the number of concurrent executor slots. A slot is occupied
	// for the full duration of a handler call, so size this against the
	// latency and rate limits of the slowest collaborator.
	Size int

	// Lease is how long a claim lasts before a crashed worker's task
	// becomes re-deliverable.
	Lease time.Duration

	// TaskTimeout bounds a single handler invocation when the task carries
	// no tighter deadline of its own.
	TaskTimeout time.Duration

	Backoff Backoff

	// ReapInterval is how often expired leases are reclaimed and overdue
	// pending tasks re-seeded into the queue.
	ReapInterval time.Duration

	// RecordTTL is how long terminal task records are kept before
	// garbage collection. Zero disables GC.
	RecordTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.Size <= 0 {
		c.Size = 4
	}
	if c.Lease <= 0 {
		c.Lease = 2 * time.Minute
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 5 * time.Minute
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 15 * time.Second
	}
	return c
}

// Pool is a fixed set of executors over a shared queue and store.
type Pool struct {
	store  store.TaskStore
	queue  queue.Queue
	reg    *Registry
	cache  cache.Cache // optional; nil disables result caching
	cfg    Config
	logger *slog.Logger
	id     string
}

// New creates a Pool. cache may be nil.
func New(st store.TaskStore, q queue.Queue, reg *Registry, c cache.Cache, cfg Config) *Pool {
	return &Pool{
		store:  st,
		queue:  q,
		reg:    reg,
		cache:  c,
		cfg:    cfg.withDefaults(),
		logger: slog.Default(),
		id:     uuid.New().String()[:8],
	}
}

// Run starts the executor slots and the reaper, blocking until ctx is
// cancelled and all slots have drained.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool starting",
		"pool_id", p.id, "size", p.cfg.Size, "kinds", p.reg.Kinds())

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Size; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.runSlot(ctx, slot)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runReaper(ctx)
	}()

	wg.Wait()
	p.logger.Info("worker pool stopped", "pool_id", p.id)
	return nil
}

func (p *Pool) runSlot(ctx context.Context, slot int) {
	logger := p.logger.With("pool_id", p.id, "slot", slot)
	for {
		id, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return
			}
			logger.Error("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		p.processOne(ctx, logger, id)
	}
}

// processOne executes a single delivery of a task ID. Duplicate deliveries
// are harmless: the store's claim guard admits only one execution at a time.
func (p *Pool) processOne(ctx context.Context, logger *slog.Logger, id string) {
	t, err := p.store.Acquire(ctx, id, p.cfg.Lease)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotClaimable):
			// Already claimed, terminal, cancelled, or backed off.
			logger.Debug("skipping undeliverable task", "task_id", id)
		case errors.Is(err, store.ErrNotFound):
			logger.Warn("dequeued unknown task", "task_id", id)
		default:
			logger.Error("claiming task failed", "task_id", id, "error", err)
		}
		return
	}

	logger = logger.With("task_id", t.ID, "kind", t.Kind, "attempt", t.Attempt)

	now := time.Now().UTC()
	if !t.Deadline.IsZero() && !t.Deadline.After(now) {
		p.fail(ctx, logger, t, &task.Error{Kind: task.ErrKindTimeout, Message: "deadline exceeded before execution"})
		return
	}

	h, ok := p.reg.Lookup(t.Kind)
	if !ok {
		p.fail(ctx, logger, t, &task.Error{Kind: task.ErrKindPermanent, Message: fmt.Sprintf("no handler registered for kind %q", t.Kind)})
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeat(hbCtx, logger, t.ID)
	}()

	execCtx, cancel := p.executionContext(ctx, t)
	result, err := p.invoke(execCtx, h, t)
	cancel()
	stopHeartbeat()
	<-hbDone

	if err == nil {
		p.complete(ctx, logger, t, result)
		return
	}
	p.handleFailure(ctx, logger, t, err)
}

// executionContext bounds a handler call by the task deadline or, when
// absent or later, the pool's default task timeout.
func (p *Pool) executionContext(ctx context.Context, t *task.Task) (context.Context, context.CancelFunc) {
	deadline := time.Now().UTC().Add(p.cfg.TaskTimeout)
	if !t.Deadline.IsZero() && t.Deadline.Before(deadline) {
		deadline = t.Deadline
	}
	return context.WithDeadline(ctx, deadline)
}

type outcome struct {
	result json.RawMessage
	err    error
}

// invoke runs the handler in its own goroutine so a stalled external call
// can be abandoned at the deadline: the slot moves on and the stale result
// is discarded.
func (p *Pool) invoke(ctx context.Context, h Handler, t *task.Task) (json.RawMessage, error) {
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: task.Permanent(fmt.Errorf("handler panicked: %v", r))}
			}
		}()
		result, err := h.Execute(ctx, t)
		ch <- outcome{result: result, err: err}
	}()

	select {
	case o := <-ch:
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// heartbeat renews the claim while the handler runs, so an execution longer
// than one lease does not lose ownership to the reaper and run twice. It
// stops on its own once the lease cannot be extended: the claim is gone and
// the eventual terminal write will be rejected by the status guard anyway.
func (p *Pool) heartbeat(ctx context.Context, logger *slog.Logger, id string) {
	interval := p.cfg.Lease / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.store.ExtendLease(ctx, id, p.cfg.Lease); err != nil {
				if !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrNotFound) && ctx.Err() == nil {
					logger.Error("extending lease failed", "error", err)
				}
				return
			}
		}
	}
}

func (p *Pool) complete(ctx context.Context, logger *slog.Logger, t *task.Task, result json.RawMessage) {
	if err := p.store.Complete(ctx, t.ID, result); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Cancelled while running; the late result is dropped.
			logger.Debug("discarding result for task no longer running")
			return
		}
		logger.Error("recording success failed", "error", err)
		return
	}
	logger.Info("task succeeded")

	if p.cache != nil && task.Cacheable(t.Kind) {
		p.cache.Store(ctx, task.Fingerprint(t.Kind, t.Payload), result)
	}
}

func (p *Pool) handleFailure(ctx context.Context, logger *slog.Logger, t *task.Task, err error) {
	kind := task.Classify(err)

	if kind.Retryable() && t.Attempt < t.MaxAttempts {
		delay := p.cfg.Backoff.Delay(t.Attempt)
		runAfter := time.Now().UTC().Add(delay)
		if relErr := p.store.Release(ctx, t.ID, err.Error(), runAfter); relErr != nil {
			if !errors.Is(relErr, store.ErrConflict) {
				logger.Error("releasing task for retry failed", "error", relErr)
			}
			return
		}
		logger.Warn("task failed, will retry", "error", err, "delay", delay)
		p.requeueAfter(t.ID, delay)
		return
	}

	p.fail(ctx, logger, t, task.AsError(err))
}

func (p *Pool) fail(ctx context.Context, logger *slog.Logger, t *task.Task, terr *task.Error) {
	if err := p.store.Fail(ctx, t.ID, terr); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			logger.Error("recording failure failed", "error", err)
		}
		return
	}
	logger.Warn("task failed permanently", "error_kind", terr.Kind, "error", terr.Message)
}

// requeueAfter schedules the fast-path re-delivery. If the process dies
// before the timer fires, the reaper's PendingDue sweep re-seeds the task.
func (p *Pool) requeueAfter(id string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.queue.Enqueue(ctx, id); err != nil && !errors.Is(err, queue.ErrClosed) {
			p.logger.Warn("re-enqueue after backoff failed", "task_id", id, "error", err)
		}
	})
}

func (p *Pool) runReaper(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reapOnce(ctx)
		}
	}
}

// reapOnce performs one maintenance sweep: expired leases back into the
// queue, overdue pending tasks re-seeded, old terminal records dropped.
func (p *Pool) reapOnce(ctx context.Context) {
	ids, err := p.store.ReclaimExpired(ctx, 100)
	if err != nil {
		p.logger.Error("reclaiming expired leases failed", "error", err)
	}
	for _, id := range ids {
		p.logger.Warn("reclaimed expired lease", "task_id", id)
		if err := p.queue.Enqueue(ctx, id); err != nil {
			p.logger.Error("re-enqueueing reclaimed task failed", "task_id", id, "error", err)
		}
	}

	// Only re-seed tasks overdue by a full reap interval; fresher ones are
	// already queued or have a backoff timer pending.
	overdue := time.Now().UTC().Add(-p.cfg.ReapInterval)
	due, err := p.store.PendingDue(ctx, overdue, 100)
	if err != nil {
		p.logger.Error("scanning overdue tasks failed", "error", err)
	}
	for _, id := range due {
		if err := p.queue.Enqueue(ctx, id); err != nil {
			p.logger.Error("re-enqueueing overdue task failed", "task_id", id, "error", err)
		}
	}

	if p.cfg.RecordTTL > 0 {
		cutoff := time.Now().UTC().Add(-p.cfg.RecordTTL)
		if n, err := p.store.DeleteTerminalBefore(ctx, cutoff); err != nil {
			p.logger.Error("task record GC failed", "error", err)
		} else if n > 0 {
			p.logger.Debug("garbage-collected task records", "count", n)
		}
	}
}
