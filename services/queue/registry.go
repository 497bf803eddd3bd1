package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
)

// Handler executes one job. The returned output is stored on the job as JSON
// and may be nil.
type Handler interface {
	Execute(ctx context.Context, payload []byte) ([]byte, error)
}

type HandlerFunc func(ctx context.Context, payload []byte) ([]byte, error)

func (f HandlerFunc) Execute(ctx context.Context, payload []byte) ([]byte, error) {
	return f(ctx, payload)
}

// Registry maps task types to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Handle registers h for taskType, replacing any earlier registration.
func (r *Registry) Handle(taskType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = h
}

func (r *Registry) HandleFunc(taskType string, fn func(ctx context.Context, payload []byte) ([]byte, error)) {
	r.Handle(taskType, HandlerFunc(fn))
}

func (r *Registry) Get(taskType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

// Types returns the registered task types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// Register adds a typed handler. The payload is decoded into In before the
// call and the result is encoded back to JSON.
func Register[In, Out any](r *Registry, taskType string, fn func(ctx context.Context, in In) (Out, error)) {
	r.HandleFunc(taskType, func(ctx context.Context, payload []byte) ([]byte, error) {
		var in In
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &in); err != nil {
				return nil, fmt.Errorf("decode payload for %q: %w", taskType, err)
			}
		}

		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}

		b, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("encode output for %q: %w", taskType, err)
		}
		return b, nil
	})
}
