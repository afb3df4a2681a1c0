package stream

import (
	"context"
	"strings"
	"unicode"
)

// FromSlice emits items in order on an unbuffered channel, so the producer only
// advances as fast as the consumer reads. The channel closes after the last item
// or when ctx is done.
func FromSlice[T any](ctx context.Context, items []T) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		for _, it := range items {
			select {
			case out <- it:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// TransformConfig configures Transform.
type TransformConfig[T, R any] struct {
	// OnError receives chunks whose transform failed; they are skipped.
	// Flush errors are reported with the zero item.
	OnError func(err error, item T)
	// Flush runs once after the input closes; its values are emitted last.
	Flush func(ctx context.Context) ([]R, error)
}

// Transform applies fn to every value read from in.
func Transform[T, R any](ctx context.Context, in <-chan T, fn func(context.Context, T) (R, error), cfg TransformConfig[T, R]) <-chan R {
	out := make(chan R)
	emit := func(v R) bool {
		select {
		case out <- v:
			return true
		case <-ctx.Done():
			return false
		}
	}
	go func() {
		defer close(out)
		for {
			var (
				v  T
				ok bool
			)
			select {
			case v, ok = <-in:
			case <-ctx.Done():
				return
			}
			if !ok {
				break
			}
			r, err := fn(ctx, v)
			if err != nil {
				if cfg.OnError != nil {
					cfg.OnError(err, v)
				}
				continue
			}
			if !emit(r) {
				return
			}
		}
		if cfg.Flush == nil {
			return
		}
		tail, err := cfg.Flush(ctx)
		if err != nil {
			if cfg.OnError != nil {
				var zero T
				cfg.OnError(err, zero)
			}
			return
		}
		for _, r := range tail {
			if !emit(r) {
				return
			}
		}
	}()
	return out
}

// Tee splits in into n branches that each receive every value in order.
// Values are handed to the branches one after another, so all branches must be
// drained concurrently.
func Tee[T any](ctx context.Context, in <-chan T, n int) []<-chan T {
	if n <= 0 {
		return nil
	}
	outs := make([]chan T, n)
	ro := make([]<-chan T, n)
	for i := range outs {
		outs[i] = make(chan T)
		ro[i] = outs[i]
	}
	go func() {
		defer func() {
			for _, o := range outs {
				close(o)
			}
		}()
		for {
			var (
				v  T
				ok bool
			)
			select {
			case v, ok = <-in:
			case <-ctx.Done():
				return
			}
			if !ok {
				return
			}
			for _, o := range outs {
				select {
				case o <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ro
}

// Collect drains in. It returns ctx.Err() if ctx finishes first.
func Collect[T any](ctx context.Context, in <-chan T) ([]T, error) {
	var out []T
	for {
		select {
		case v, ok := <-in:
			if !ok {
				return out, nil
			}
			out = append(out, v)
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
}

// ChunkText splits text into chunks of at most size runes. A chunk ends at the
// last paragraph break that keeps it at least half full, else at the last
// sentence end, else at the last whitespace, and only then mid-word.
// Chunks are trimmed and empty chunks are dropped.
func ChunkText(text string, size int) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	runes := []rune(text)
	if size <= 0 || len(runes) <= size {
		return []string{strings.TrimSpace(text)}
	}
	var out []string
	for len(runes) > 0 {
		if len(runes) <= size {
			if s := strings.TrimSpace(string(runes)); s != "" {
				out = append(out, s)
			}
			break
		}
		cut := breakPoint(runes[:size], runes[size])
		if s := strings.TrimSpace(string(runes[:cut])); s != "" {
			out = append(out, s)
		}
		runes = runes[cut:]
		for len(runes) > 0 && unicode.IsSpace(runes[0]) {
			runes = runes[1:]
		}
	}
	return out
}

// breakPoint returns the index right after the preferred boundary inside window.
// next is the first rune after the window, so a boundary on its last rune counts.
func breakPoint(window []rune, next rune) int {
	at := func(i int) rune {
		if i < len(window) {
			return window[i]
		}
		return next
	}
	half := len(window) / 2
	for i := len(window) - 1; i >= half; i-- {
		if window[i] == '\n' && at(i+1) == '\n' {
			return min(i+2, len(window))
		}
	}
	for i := len(window) - 1; i >= half; i-- {
		switch window[i] {
		case '.', '!', '?':
			if unicode.IsSpace(at(i + 1)) {
				return i + 1
			}
		}
	}
	for i := len(window) - 1; i > 0; i-- {
		if unicode.IsSpace(window[i]) {
			return i + 1
		}
	}
	return len(window)
}
