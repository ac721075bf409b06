package handlers

import (
	"context"
	"slices"
	"sync"

	"github.com/ramiqadoumi/go-task-submit/internal/domain"
)

// Handler executes tasks submitted under one handler name.
//
// Delivery is at-least-once: a handler may run more than once for the same task
// after a worker crash, so it must be safe to re-run. The context carries the
// execution timeout and should be honoured.
//
// Failures are classified by the returned error: *domain.InvalidPayloadError and
// errors wrapped with Permanent are terminal, anything else is retried.
type Handler interface {
	Handle(ctx context.Context, payload []byte) ([]byte, error)
	Name() string
}

// Func adapts a plain function to Handler.
type Func struct {
	name string
	fn   func(ctx context.Context, payload []byte) ([]byte, error)
}

// NewFunc creates a Handler named name that calls fn.
func NewFunc(name string, fn func(ctx context.Context, payload []byte) ([]byte, error)) *Func {
	return &Func{name: name, fn: fn}
}

func (f *Func) Name() string { return f.name }

func (f *Func) Handle(ctx context.Context, payload []byte) ([]byte, error) {
	return f.fn(ctx, payload)
}

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &domain.PermanentError{Err: err}
}

// Registry maps handler names to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates a Registry holding hs.
func NewRegistry(hs ...Handler) *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	for _, h := range hs {
		r.Register(h)
	}
	return r
}

// Register adds a handler, replacing any with the same name. Safe to call concurrently.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Name()] = h
}

// Get returns the handler for the given name.
// Returns UnknownHandlerError if not registered.
func (r *Registry) Get(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, &domain.UnknownHandlerError{HandlerName: name}
	}
	return h, nil
}

// Names returns the registered handler names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
