package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/bytedance/sonic"
)

// HandlerFunc processes one attempt of a job. The returned value is encoded
// as the job's result data; a non-nil error fails the attempt.
type HandlerFunc func(ctx context.Context, payload []byte, r Reporter) (any, error)

// Middleware is a function that wraps a HandlerFunc to provide cross-cutting concerns.
type Middleware func(HandlerFunc) HandlerFunc

// Registry maps (queue, type) pairs to handlers.
// It becomes read-only once a Server using it starts.
type Registry struct {
	mu          sync.RWMutex
	handlers    map[string]map[string]HandlerFunc
	middlewares []Middleware
	sealed      bool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]map[string]HandlerFunc)}
}

// Register binds fn to (queue, jobType). It returns ErrDuplicateHandler if the
// pair is already bound and ErrRegistrySealed after a Server using the registry started.
func (r *Registry) Register(queue, jobType string, fn HandlerFunc) error {
	if queue == "" || jobType == "" {
		return errors.New("jobs: queue and job type must be non-empty")
	}
	if fn == nil {
		return errors.New("jobs: nil handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrRegistrySealed
	}
	byType, ok := r.handlers[queue]
	if !ok {
		byType = make(map[string]HandlerFunc)
		r.handlers[queue] = byType
	}
	if _, dup := byType[jobType]; dup {
		return fmt.Errorf("%w: queue=%s type=%s", ErrDuplicateHandler, queue, jobType)
	}
	byType[jobType] = fn
	return nil
}

// Use adds middleware to the registry. Middlewares are executed in the order they are added.
func (r *Registry) Use(mw Middleware) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrRegistrySealed
	}
	r.middlewares = append(r.middlewares, mw)
	return nil
}

// Resolve returns the handler for (queue, jobType) wrapped in the registered
// middleware, or an error wrapping ErrUnregisteredJobType.
func (r *Registry) Resolve(queue, jobType string) (HandlerFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[queue][jobType]
	if !ok {
		return nil, fmt.Errorf("%w: queue=%s type=%s", ErrUnregisteredJobType, queue, jobType)
	}
	for i := len(r.middlewares) - 1; i >= 0; i-- {
		fn = r.middlewares[i](fn)
	}
	return fn, nil
}

// Has reports whether a handler is bound to (queue, jobType).
func (r *Registry) Has(queue, jobType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[queue][jobType]
	return ok
}

// Types lists the job types registered on queue, sorted.
func (r *Registry) Types(queue string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers[queue]))
	for t := range r.handlers[queue] {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Queues lists the queues that have at least one handler, sorted.
func (r *Registry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for q := range r.handlers {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Typed adapts a handler taking a decoded payload. A payload that cannot be
// decoded into T fails the job permanently with a ValidationError.
func Typed[T any](fn func(ctx context.Context, payload T, r Reporter) (any, error)) HandlerFunc {
	return func(ctx context.Context, raw []byte, r Reporter) (any, error) {
		var v T
		if err := sonic.Unmarshal(raw, &v); err != nil {
			return nil, Permanent(&ValidationError{Field: "payload", Reason: err.Error()})
		}
		return fn(ctx, v, r)
	}
}
