package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/astroinsight/astroinsight/internal/task"
)

var taskBucket = []byte("tasks")

// BoltStore is a single-file TaskStore backend on bbolt, for deployments
// that want durability without SQLite. Records are stored as JSON under
// their task ID; transition guards are applied inside update transactions.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) a bbolt-backed store at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(taskBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating task bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func putTask(b *bolt.Bucket, t *task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshalling task %s: %w", t.ID, err)
	}
	return b.Put([]byte(t.ID), data)
}

func getTask(b *bolt.Bucket, id string) (*task.Task, error) {
	data := b.Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}
	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshalling task %s: %w", id, err)
	}
	return &t, nil
}

func (s *BoltStore) Create(_ context.Context, t *task.Task) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.RunAfter.IsZero() {
		t.RunAfter = now
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putTask(tx.Bucket(taskBucket), t)
	})
}

func (s *BoltStore) Get(_ context.Context, id string) (*task.Task, error) {
	var t *task.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		t, err = getTask(tx.Bucket(taskBucket), id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *BoltStore) Acquire(_ context.Context, id string, lease time.Duration) (*task.Task, error) {
	var claimed *task.Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(taskBucket)
		t, err := getTask(b, id)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if t.Status != task.StatusPending || t.RunAfter.After(now) {
			return ErrNotClaimable
		}
		t.Status = task.StatusRunning
		t.Attempt++
		t.LeaseUntil = now.Add(lease)
		t.UpdatedAt = now
		if err := putTask(b, t); err != nil {
			return err
		}
		claimed = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// updateRunning applies fn to a running task inside one transaction.
func (s *BoltStore) updateRunning(id string, fn func(*task.Task)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(taskBucket)
		t, err := getTask(b, id)
		if err != nil {
			return err
		}
		if t.Status != task.StatusRunning {
			return ErrConflict
		}
		fn(t)
		t.UpdatedAt = time.Now().UTC()
		return putTask(b, t)
	})
}

func (s *BoltStore) Complete(_ context.Context, id string, result json.RawMessage) error {
	return s.updateRunning(id, func(t *task.Task) {
		t.Status = task.StatusSucceeded
		t.Result = append(json.RawMessage(nil), result...)
		t.LeaseUntil = time.Time{}
	})
}

func (s *BoltStore) Fail(_ context.Context, id string, terr *task.Error) error {
	return s.updateRunning(id, func(t *task.Task) {
		t.Status = task.StatusFailed
		e := *terr
		t.Error = &e
		t.LastError = terr.Message
		t.LeaseUntil = time.Time{}
	})
}

func (s *BoltStore) ExtendLease(_ context.Context, id string, lease time.Duration) error {
	return s.updateRunning(id, func(t *task.Task) {
		t.LeaseUntil = time.Now().UTC().Add(lease)
	})
}

func (s *BoltStore) Release(_ context.Context, id string, lastErr string, runAfter time.Time) error {
	return s.updateRunning(id, func(t *task.Task) {
		t.Status = task.StatusPending
		t.LastError = lastErr
		t.RunAfter = runAfter
		t.LeaseUntil = time.Time{}
	})
}

func (s *BoltStore) Cancel(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(taskBucket)
		t, err := getTask(b, id)
		if err != nil {
			return err
		}
		if t.Status != task.StatusPending && t.Status != task.StatusRunning {
			return ErrConflict
		}
		t.Status = task.StatusCancelled
		t.UpdatedAt = time.Now().UTC()
		return putTask(b, t)
	})
}

func (s *BoltStore) ReclaimExpired(_ context.Context, limit int) ([]string, error) {
	var ids []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(taskBucket)
		now := time.Now().UTC()
		c := b.Cursor()
		for k, v := c.First(); k != nil && len(ids) < limit; k, v = c.Next() {
			var t task.Task
			if err := json.Unmarshal(v, &t); err != nil {
				continue
			}
			if t.Status != task.StatusRunning || t.LeaseUntil.IsZero() || t.LeaseUntil.After(now) {
				continue
			}
			t.Status = task.StatusPending
			t.LeaseUntil = time.Time{}
			t.RunAfter = now
			t.UpdatedAt = now
			if err := putTask(b, &t); err != nil {
				return err
			}
			ids = append(ids, t.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *BoltStore) PendingDue(_ context.Context, before time.Time, limit int) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(taskBucket).Cursor()
		for k, v := c.First(); k != nil && len(ids) < limit; k, v = c.Next() {
			var t task.Task
			if err := json.Unmarshal(v, &t); err != nil {
				continue
			}
			if t.Status == task.StatusPending && !t.RunAfter.After(before) {
				ids = append(ids, t.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *BoltStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(taskBucket)
		var stale [][]byte
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t task.Task
			if err := json.Unmarshal(v, &t); err != nil {
				continue
			}
			if t.Status.Terminal() && !t.UpdatedAt.After(cutoff) {
				key := append([]byte(nil), k...)
				stale = append(stale, key)
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}
