package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/astroinsight/astroinsight/internal/task"
)

// MemoryStore is an in-process TaskStore for tests and ephemeral runs.
// It applies the same transition guards as the durable backends.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*task.Task
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*task.Task)}
}

func (m *MemoryStore) Create(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	cp := t.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	if cp.RunAfter.IsZero() {
		cp.RunAfter = now
	}
	m.tasks[cp.ID] = cp

	t.CreatedAt = cp.CreatedAt
	t.UpdatedAt = cp.UpdatedAt
	t.RunAfter = cp.RunAfter
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryStore) Acquire(_ context.Context, id string, lease time.Duration) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	now := time.Now().UTC()
	if t.Status != task.StatusPending || t.RunAfter.After(now) {
		return nil, ErrNotClaimable
	}

	t.Status = task.StatusRunning
	t.Attempt++
	t.LeaseUntil = now.Add(lease)
	t.UpdatedAt = now
	return t.Clone(), nil
}

func (m *MemoryStore) Complete(_ context.Context, id string, result json.RawMessage) error {
	return m.transition(id, func(t *task.Task) {
		t.Status = task.StatusSucceeded
		t.Result = append(json.RawMessage(nil), result...)
		t.LeaseUntil = time.Time{}
	})
}

func (m *MemoryStore) Fail(_ context.Context, id string, terr *task.Error) error {
	return m.transition(id, func(t *task.Task) {
		t.Status = task.StatusFailed
		e := *terr
		t.Error = &e
		t.LastError = terr.Message
		t.LeaseUntil = time.Time{}
	})
}

func (m *MemoryStore) ExtendLease(_ context.Context, id string, lease time.Duration) error {
	return m.transition(id, func(t *task.Task) {
		t.LeaseUntil = time.Now().UTC().Add(lease)
	})
}

func (m *MemoryStore) Release(_ context.Context, id string, lastErr string, runAfter time.Time) error {
	return m.transition(id, func(t *task.Task) {
		t.Status = task.StatusPending
		t.LastError = lastErr
		t.RunAfter = runAfter
		t.LeaseUntil = time.Time{}
	})
}

// transition applies fn to a running task; any other state is a conflict.
func (m *MemoryStore) transition(id string, fn func(*task.Task)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Status != task.StatusRunning {
		return ErrConflict
	}
	fn(t)
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) Cancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Status != task.StatusPending && t.Status != task.StatusRunning {
		return ErrConflict
	}
	t.Status = task.StatusCancelled
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ReclaimExpired(_ context.Context, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var ids []string
	for _, t := range m.tasks {
		if t.Status == task.StatusRunning && !t.LeaseUntil.IsZero() && !t.LeaseUntil.After(now) {
			ids = append(ids, t.ID)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	for _, id := range ids {
		t := m.tasks[id]
		t.Status = task.StatusPending
		t.LeaseUntil = time.Time{}
		t.RunAfter = now
		t.UpdatedAt = now
	}
	return ids, nil
}

func (m *MemoryStore) PendingDue(_ context.Context, before time.Time, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for _, t := range m.tasks {
		if t.Status == task.StatusPending && !t.RunAfter.After(before) {
			ids = append(ids, t.ID)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *MemoryStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, t := range m.tasks {
		if t.Status.Terminal() && !t.UpdatedAt.After(cutoff) {
			delete(m.tasks, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
