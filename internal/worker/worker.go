// Package worker executes one task handler invocation and normalizes its
// outcome for the manager.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/UniQw/shelfq/internal/hctx"
)

// ErrNoHandler indicates there is no handler for the task type. The manager
// fails such tasks without invoking anything.
var ErrNoHandler = errors.New("no handler")

// ErrPanic wraps a recovered handler panic.
var ErrPanic = errors.New("handler panic")

// Executor executes a task payload for a given type.
type Executor func(ctx context.Context, taskType string, payload []byte) error

// Outcome is what the manager needs after a handler returned.
type Outcome struct {
	Progress int
	Result   []byte
	Err      error
	// Stack is set when the handler panicked.
	Stack []byte
}

// Run invokes exec with st attached to the context. A panic inside the handler
// is converted to an error wrapping ErrPanic so one task never takes down a sweep.
func Run(ctx context.Context, exec Executor, st *hctx.State, taskType string, payload []byte) (out Outcome) {
	defer func() {
		if p := recover(); p != nil {
			out = Outcome{
				Progress: st.Progress(),
				Result:   st.Result(),
				Err:      fmt.Errorf("%w: %v", ErrPanic, p),
				Stack:    debug.Stack(),
			}
		}
	}()
	err := exec(hctx.WithState(ctx, st), taskType, payload)
	if errors.Is(err, ErrNoHandler) {
		err = fmt.Errorf("%w for task type %q", ErrNoHandler, taskType)
	}
	return Outcome{Progress: st.Progress(), Result: st.Result(), Err: err}
}

// Message renders a failure the way it is stored on the task.
func Message(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
