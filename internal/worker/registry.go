package worker

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/cuongbtq/index-queue/internal/worker/domain"
)

// Handler executes the payload of one job type. A returned error counts as a
// failed attempt.
type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) error
}

// HandlerFunc adapts a plain function to Handler
type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

// Handle calls f(ctx, payload)
func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) error {
	return f(ctx, payload)
}

// Registry maps job types to handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.JobType]Handler
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domain.JobType]Handler)}
}

// Register binds h to jobType, replacing any previous handler
func (r *Registry) Register(jobType domain.JobType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

// Lookup returns the handler for jobType
func (r *Registry) Lookup(jobType domain.JobType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types returns the registered job types in sorted order
func (r *Registry) Types() []domain.JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]domain.JobType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Missing returns the known job types with no handler
func (r *Registry) Missing() []domain.JobType {
	var missing []domain.JobType
	for _, t := range domain.KnownJobTypes {
		if _, ok := r.Lookup(t); !ok {
			missing = append(missing, t)
		}
	}
	return missing
}
