package task

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a task failure and determines retry semantics.
type ErrorKind string

const (
	// ErrKindValidation marks a malformed payload. Never retried.
	ErrKindValidation ErrorKind = "validation"

	// ErrKindTransient marks a failure that may succeed on retry, such as a
	// network error or collaborator rate limit.
	ErrKindTransient ErrorKind = "transient"

	// ErrKindPermanent marks a failure retrying cannot fix.
	ErrKindPermanent ErrorKind = "permanent"

	// ErrKindTimeout marks a task that exceeded its deadline.
	ErrKindTimeout ErrorKind = "timeout"
)

// Retryable reports whether a failure of this kind should be re-attempted.
func (k ErrorKind) Retryable() bool {
	return k == ErrKindTransient
}

// Error is the structured failure recorded on a failed task. It is the only
// failure shape exposed to callers; collaborator-specific error text stays
// in the message, never as a raw stack trace.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// classified wraps an error with an explicit kind for Classify to unwrap.
type classified struct {
	kind ErrorKind
	err  error
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: ErrKindTransient, err: err}
}

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: ErrKindPermanent, err: err}
}

// Validation marks err as a malformed-input failure.
func Validation(err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: ErrKindValidation, err: err}
}

// Validationf is shorthand for Validation(fmt.Errorf(...)).
func Validationf(format string, args ...any) error {
	return Validation(fmt.Errorf(format, args...))
}

// Classify resolves the error kind for a handler failure. Explicit markers
// win; context deadline errors become timeouts; anything unmarked is treated
// as transient, since at-least-once delivery makes a wasted retry cheaper
// than a wrongly-permanent failure.
func Classify(err error) ErrorKind {
	var c *classified
	if errors.As(err, &c) {
		return c.kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrKindTimeout
	}
	return ErrKindTransient
}

// AsError converts a handler failure into the structured form stored on the
// task record.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: Classify(err), Message: err.Error()}
}
