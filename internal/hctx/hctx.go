package hctx

import (
	"context"
	"sync"
)

// State holds per-execution, handler-provided metadata that the manager
// captures after the handler returns. Report and Cancelled are installed by the
// manager so handlers can persist progress and poll for cancellation.
type State struct {
	TaskID    string
	Report    func(p int) error
	Cancelled func() bool

	mu       sync.Mutex
	progress int
	result   []byte
}

// New creates a fresh handler state container for one task execution.
func New(taskID string) *State { return &State{TaskID: taskID} }

// SetProgress records p if it raises the current value. It returns the stored value.
func (s *State) SetProgress(p int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p > s.progress {
		s.progress = p
	}
	return s.progress
}

// Progress returns the highest progress recorded so far.
func (s *State) Progress() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// SetResult replaces the recorded result. Last write wins.
func (s *State) SetResult(b []byte) {
	s.mu.Lock()
	s.result = b
	s.mu.Unlock()
}

// Result returns the recorded result.
func (s *State) Result() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

type ctxKey struct{}

// WithState returns a child context carrying the given handler state.
func WithState(parent context.Context, s *State) context.Context {
	return context.WithValue(parent, ctxKey{}, s)
}

// From extracts the handler state from context if present.
func From(ctx context.Context) (*State, bool) {
	v := ctx.Value(ctxKey{})
	if v == nil {
		return nil, false
	}
	st, ok := v.(*State)
	return st, ok
}
