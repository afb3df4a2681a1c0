package shelfq

import (
	"context"

	"github.com/UniQw/shelfq/internal/hctx"
)

// SetProgress reports progress (0..100) for the current task and persists it
// through the manager. Progress never decreases while the task is processing.
// It returns ErrCancelled once the task is no longer processing; the handler
// should then stop. It is a no-op outside a handler context.
func SetProgress(ctx context.Context, p int) error {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return nil
	}
	if p < 0 {
		p = 0
	} else if p > 100 {
		p = 100
	}
	p = st.SetProgress(p)
	if st.Report != nil {
		return st.Report(p)
	}
	return nil
}

// Cancelled reports whether the current task has been cancelled. Long handlers
// should poll it between steps.
func Cancelled(ctx context.Context) bool {
	st, ok := hctx.From(ctx)
	if !ok || st == nil || st.Cancelled == nil {
		return false
	}
	return st.Cancelled()
}

// CurrentTaskID returns the id of the task being handled, or "".
func CurrentTaskID(ctx context.Context) string {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return ""
	}
	return st.TaskID
}

// SetResult encodes the provided value using the default JSON encoder and
// attaches it as the handler result. It is safe to call multiple times; last wins.
// It is a no-op if the context is not provided by the Manager.
func SetResult(ctx context.Context, v any) error {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return nil
	}
	var enc Encoder = &JSONEncoder{}
	b, err := enc.Encode(v)
	if err != nil {
		return err
	}
	st.SetResult(b)
	return nil
}

// SetResultBytes attaches raw JSON bytes as the handler result without encoding.
// It is a no-op if the context is not provided by the Manager.
func SetResultBytes(ctx context.Context, b []byte) {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return
	}
	st.SetResult(b)
}
