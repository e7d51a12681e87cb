// Package registry maps job types to their processing logic. The registry
// is populated once at startup and read-only afterwards; handlers receive
// the raw payload and own its deserialization, so the core stays agnostic
// to per-type payload schemas.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cuongbtq/jobqueue-be/internal/domain"
)

// Handler processes one job payload and returns a result or an error. A
// returned error marks the job FAILED and triggers the bounded retry
// policy. Handlers must be idempotent: at-least-once delivery means one may
// run more than once for the same job.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Registry is a process-wide job type -> handler mapping. Safe for
// concurrent reads.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for a job type. Registering the same type twice
// or a nil handler is a programming error and panics.
func (r *Registry) Register(jobType string, handler Handler) {
	if handler == nil {
		panic(fmt.Sprintf("registry: nil handler for job type %q", jobType))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[jobType]; exists {
		panic(fmt.Sprintf("registry: job type %q registered twice", jobType))
	}
	r.handlers[jobType] = handler
}

// Has reports whether a handler is registered for the job type.
func (r *Registry) Has(jobType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[jobType]
	return ok
}

// Dispatch invokes the handler registered for the job type.
func (r *Registry) Dispatch(ctx context.Context, jobType string, payload []byte) ([]byte, error) {
	r.mu.RLock()
	handler, ok := r.handlers[jobType]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownJobType, jobType)
	}
	return handler(ctx, payload)
}

// Types returns the registered job types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for jobType := range r.handlers {
		types = append(types, jobType)
	}
	sort.Strings(types)
	return types
}
