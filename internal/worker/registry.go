package worker

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/astroinsight/astroinsight/internal/task"
)

// Handler executes one kind of task. Implementations signal retry semantics
// by wrapping returned errors with task.Transient / task.Permanent /
// task.Validation; unmarked errors are treated as transient.
//
// Handlers for cacheable kinds must be idempotent: at-least-once delivery
// means the same fingerprint may execute more than once.
type Handler interface {
	Execute(ctx context.Context, t *task.Task) (json.RawMessage, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, t *task.Task) (json.RawMessage, error)

func (f HandlerFunc) Execute(ctx context.Context, t *task.Task) (json.RawMessage, error) {
	return f(ctx, t)
}

// Registry maps task kinds to handlers. New kinds are added by
// registration, never by editing dispatch logic.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a kind, replacing any previous binding.
func (r *Registry) Register(kind string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Lookup returns the handler for a kind.
func (r *Registry) Lookup(kind string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// Kinds returns the registered kinds, for startup logging.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	return kinds
}
