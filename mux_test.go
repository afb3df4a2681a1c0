package shelfq

import (
	"context"
	"testing"

	"github.com/UniQw/shelfq/internal/worker"
	"github.com/stretchr/testify/require"
)

func TestMux_MiddlewareOrderAndOverwrite(t *testing.T) {
	m := NewMux()

	order := []int{}
	mw1 := func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, b []byte) error {
			order = append(order, 1)
			return next(ctx, b)
		}
	}
	mw2 := func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, b []byte) error {
			order = append(order, 2)
			return next(ctx, b)
		}
	}
	m.Use(mw1)
	m.Use(mw2)

	called := 0
	m.Handle("t", func(ctx context.Context, b []byte) error { called++; return nil })
	// overwrite handler
	m.Handle("t", func(ctx context.Context, b []byte) error { called += 10; return nil })

	require.NoError(t, m.execute(context.Background(), "t", nil))
	require.Equal(t, 10, called, "expected overwritten handler to run")
	// middleware applied in registration order: mw1 outer, then mw2
	require.Equal(t, []int{1, 2}, order)
}

func TestMux_UnknownType(t *testing.T) {
	m := NewMux()
	m.Handle("b", func(context.Context, []byte) error { return nil })
	m.Handle("a", func(context.Context, []byte) error { return nil })
	require.Equal(t, []string{"a", "b"}, m.Types())
	require.ErrorIs(t, m.execute(context.Background(), "nope", nil), worker.ErrNoHandler)
}
