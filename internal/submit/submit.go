// Package submit is the front door for task intake. It persists a durable
// task record, consults the result cache for kinds whose output is a pure
// function of the payload, and hands the task ID to the queue.
package submit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/astroinsight/astroinsight/internal/cache"
	"github.com/astroinsight/astroinsight/internal/queue"
	"github.com/astroinsight/astroinsight/internal/store"
	"github.com/astroinsight/astroinsight/internal/task"
)

const defaultMaxAttempts = 5

// Service creates task records and routes them to the queue. A nil cache
// disables the fast path; every submission then goes through a worker.
type Service struct {
	store       store.TaskStore
	queue       queue.Queue
	cache       cache.Cache
	maxAttempts int
	logger      *slog.Logger
}

// SetMaxAttempts overrides the retry budget stamped on new tasks.
func (s *Service) SetMaxAttempts(n int) {
	if n > 0 {
		s.maxAttempts = n
	}
}

// Options carries the optional knobs of a submission.
type Options struct {
	// ParentID links a sub-task to the orchestrating task that spawned it.
	ParentID string
	// Deadline, when non-zero, fails the task if it has not finished by then.
	Deadline time.Time
	// SkipCache forces execution even when a cached result exists.
	SkipCache bool
}

func NewService(st store.TaskStore, q queue.Queue, c cache.Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       st,
		queue:       q,
		cache:       c,
		maxAttempts: defaultMaxAttempts,
		logger:      logger,
	}
}

// Submit records a new task and enqueues it for execution. For cacheable
// kinds a cache hit short-circuits the queue entirely: the returned task is
// already succeeded and carries the cached result.
func (s *Service) Submit(ctx context.Context, kind string, payload json.RawMessage, opts Options) (*task.Task, error) {
	if kind == "" {
		return nil, task.Validationf("kind is required")
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return nil, task.Validationf("payload is not valid JSON")
	}

	now := time.Now().UTC()
	t := &task.Task{
		ID:          uuid.NewString(),
		Kind:        kind,
		Payload:     payload,
		Status:      task.StatusPending,
		MaxAttempts: s.maxAttempts,
		ParentID:    opts.ParentID,
		Deadline:    opts.Deadline,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if s.cache != nil && !opts.SkipCache && task.Cacheable(kind) {
		fp := task.Fingerprint(kind, payload)
		if result, ok := s.cache.Lookup(ctx, fp); ok {
			t.Status = task.StatusSucceeded
			t.Result = result
			if err := s.store.Create(ctx, t); err != nil {
				return nil, fmt.Errorf("record cached task: %w", err)
			}
			s.logger.Debug("served from cache", "task", t.ID, "kind", kind)
			return t, nil
		}
	}

	if err := s.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("record task: %w", err)
	}
	if err := s.queue.Enqueue(ctx, t.ID); err != nil {
		// The record survives; the reaper will re-seed it from the store.
		s.logger.Warn("enqueue failed, task left for reaper", "task", t.ID, "error", err)
	}
	return t, nil
}

// Get returns the current state of a task.
func (s *Service) Get(ctx context.Context, id string) (*task.Task, error) {
	return s.store.Get(ctx, id)
}

// Cancel requests cancellation of a pending or running task.
func (s *Service) Cancel(ctx context.Context, id string) error {
	return s.store.Cancel(ctx, id)
}

// Await polls until the task reaches a terminal state or the context ends.
func (s *Service) Await(ctx context.Context, id string, poll time.Duration) (*task.Task, error) {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		t, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.Status.Terminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
