package shelfq

import (
	"context"
	"sort"
	"sync"

	"github.com/UniQw/shelfq/internal/worker"
)

// HandlerFunc is the function signature for processing a task.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Middleware is a function that wraps a HandlerFunc to provide cross-cutting concerns.
type Middleware func(HandlerFunc) HandlerFunc

type handler struct {
	exec HandlerFunc
}

// Mux routes tasks to their respective handlers based on task type.
type Mux struct {
	mu          sync.RWMutex
	handlers    map[string]handler
	encoder     Encoder
	middlewares []Middleware
}

// NewMux creates a new Task Mux.
func NewMux() *Mux {
	return &Mux{
		handlers:    make(map[string]handler),
		encoder:     &JSONEncoder{},
		middlewares: []Middleware{},
	}
}

// Handle registers a handler for a specific task type.
func (m *Mux) Handle(taskType string, fn func(context.Context, []byte) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[taskType] = handler{
		exec: fn,
	}
}

// Use adds middleware(s) to the mux. Middlewares are executed in the order they are added.
func (m *Mux) Use(mw Middleware) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.middlewares = append(m.middlewares, mw)
}

// Types lists the registered task types in sorted order.
func (m *Mux) Types() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.handlers))
	for t := range m.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (m *Mux) wrapHandler(h HandlerFunc) HandlerFunc {
	for i := len(m.middlewares) - 1; i >= 0; i-- {
		h = m.middlewares[i](h)
	}
	return h
}

// execute is the worker.Executor backed by this mux.
func (m *Mux) execute(ctx context.Context, taskType string, payload []byte) error {
	m.mu.RLock()
	h, ok := m.handlers[taskType]
	var wrapped HandlerFunc
	if ok {
		wrapped = m.wrapHandler(h.exec)
	}
	m.mu.RUnlock()
	if !ok {
		return worker.ErrNoHandler
	}
	return wrapped(ctx, payload)
}
