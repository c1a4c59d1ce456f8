// Package task defines the unit of asynchronous work shared by the queue,
// store, worker pool, and tool surface.
package task

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a task. Transitions are forward-only:
// pending -> running -> succeeded | failed | cancelled. A task never moves
// back to an earlier state; retries re-enter pending only through the
// store's guarded release path, which preserves the attempt count.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

func (s Status) String() string {
	return string(s)
}

// Task kinds. New kinds are added by registering a handler, not by touching
// dispatch logic.
const (
	KindGenerateIdea    = "generate_idea"
	KindDraftIdea       = "draft_idea"
	KindReviewIdea      = "review_idea"
	KindExtractKeywords = "extract_keywords"
	KindCompressContent = "compress_content"
)

// Cacheable reports whether results for the kind may be served from the
// result cache by fingerprint. Handlers for cacheable kinds must be safe to
// execute more than once for the same fingerprint.
func Cacheable(kind string) bool {
	switch kind {
	case KindExtractKeywords, KindCompressContent:
		return true
	}
	return false
}

// Task is a durable unit of asynchronous work.
type Task struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *Error          `json:"error,omitempty"`

	// ParentID groups sub-tasks under a logical job. It is a back-reference,
	// not ownership: deleting the parent does not cascade.
	ParentID string `json:"parent_id,omitempty"`

	// Deadline, when non-zero, bounds total execution time. The worker pool
	// fails the task with a timeout error once it passes.
	Deadline time.Time `json:"deadline,omitempty"`

	// LeaseUntil is the expiry of the current worker's claim. Meaningful
	// only while running; an expired lease makes the task re-deliverable.
	LeaseUntil time.Time `json:"lease_until,omitempty"`

	// RunAfter delays delivery, used for retry backoff.
	RunAfter time.Time `json:"run_after,omitempty"`

	// LastError records the most recent attempt's failure for observability.
	// Unlike Error it may be set on a non-terminal task.
	LastError string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy, so store reads never alias caller-held memory.
func (t *Task) Clone() *Task {
	cp := *t
	if t.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	if t.Result != nil {
		cp.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.Error != nil {
		e := *t.Error
		cp.Error = &e
	}
	return &cp
}
