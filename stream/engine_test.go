package stream

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func double(_ context.Context, v int, _ int) (int, error) { return v * 2, nil }

func TestProcess_PreservesOrder(t *testing.T) {
	items := []int{5, 4, 3, 2, 1}
	var progress []int
	var batches [][]int
	var completed []int

	out, err := Process(context.Background(), items, double, Config[int, int]{
		BatchSize:  2,
		OnProgress: func(p int) { progress = append(progress, p) },
		OnBatchComplete: func(processed, total int, batch []int) {
			require.Equal(t, 5, total)
			batches = append(batches, append([]int(nil), batch...))
		},
		OnComplete: func(r []int) { completed = r },
	})
	require.NoError(t, err)
	require.Equal(t, []int{10, 8, 6, 4, 2}, out)
	require.Equal(t, []int{40, 80, 100}, progress)
	require.Equal(t, [][]int{{5, 4}, {3, 2}, {1}}, batches)
	require.Equal(t, out, completed)
}

func TestProcess_EmptyInput_NoCallbacks(t *testing.T) {
	called := false
	cb := func() { called = true }
	out, err := Process(context.Background(), []int{}, double, Config[int, int]{
		OnProgress:      func(int) { cb() },
		OnBatchComplete: func(int, int, []int) { cb() },
		OnComplete:      func([]int) { cb() },
	})
	require.NoError(t, err)
	require.NotNil(t, out)
	require.Empty(t, out)
	require.False(t, called)
}

func TestProcess_FailingItemExcludedAfterRetries(t *testing.T) {
	items := []string{"a", "b", "c", "bad", "e"}
	var attempts atomic.Int32
	type failure struct {
		item  string
		index int
	}
	var failures []failure

	out, err := Process(context.Background(), items,
		func(_ context.Context, s string, _ int) (string, error) {
			if s == "bad" {
				attempts.Add(1)
				return "", errors.New("boom")
			}
			return s + "!", nil
		},
		Config[string, string]{
			BatchSize:  2,
			RetryCount: 2,
			RetryDelay: time.Millisecond,
			OnError: func(err error, item string, index int) {
				require.EqualError(t, err, "boom")
				failures = append(failures, failure{item, index})
			},
		})
	require.NoError(t, err)
	require.Equal(t, []string{"a!", "b!", "c!", "e!"}, out)
	require.Equal(t, []failure{{"bad", 3}}, failures)
	require.Equal(t, int32(3), attempts.Load())
}

func TestProcess_ExternalCancelStopsProgress(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var progressCalls int
	completed := false

	_, err := Process(ctx, []int{1, 2, 3, 4, 5, 6}, double, Config[int, int]{
		BatchSize: 2,
		OnProgress: func(int) {
			progressCalls++
			cancel()
		},
		OnComplete: func([]int) { completed = true },
	})
	require.ErrorIs(t, err, ErrAborted)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, progressCalls)
	require.False(t, completed)
}

func TestEngine_CancelInterruptsInFlightItems(t *testing.T) {
	started := make(chan struct{}, 4)
	var progressCalls atomic.Int32
	e := New(Config[int, int]{
		BatchSize:  4,
		OnProgress: func(int) { progressCalls.Add(1) },
	})
	go func() {
		<-started
		e.Cancel()
	}()

	_, err := e.Process(context.Background(), []int{1, 2, 3, 4}, func(ctx context.Context, v int, _ int) (int, error) {
		started <- struct{}{}
		<-ctx.Done()
		return 0, ctx.Err()
	})
	require.ErrorIs(t, err, ErrAborted)
	require.Equal(t, int32(0), progressCalls.Load())

	// a cancelled engine refuses further runs
	_, err = e.Process(context.Background(), []int{1}, double)
	require.ErrorIs(t, err, ErrAborted)
}

func TestProcess_TransformAbortErrorStopsRun(t *testing.T) {
	_, err := Process(context.Background(), []int{1, 2, 3}, func(_ context.Context, v int, _ int) (int, error) {
		if v == 2 {
			return 0, ErrAborted
		}
		return v, nil
	}, Config[int, int]{BatchSize: 1})
	require.ErrorIs(t, err, ErrAborted)
}

func TestProcess_TimeoutPerItem(t *testing.T) {
	var gotErr error
	out, err := Process(context.Background(), []int{1, 2}, func(ctx context.Context, v int, _ int) (int, error) {
		if v == 2 {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			return 0, ctx.Err()
		}
		return v, nil
	}, Config[int, int]{
		Timeout: 20 * time.Millisecond,
		OnError: func(err error, _ int, _ int) { gotErr = err },
	})
	require.NoError(t, err)
	require.Equal(t, []int{1}, out)
	require.ErrorIs(t, gotErr, ErrTimeout)
}

func TestProcess_TransformPanicIsReported(t *testing.T) {
	var gotErr error
	out, err := Process(context.Background(), []int{1, 2}, func(_ context.Context, v int, _ int) (int, error) {
		if v == 1 {
			panic("kaboom")
		}
		return v, nil
	}, Config[int, int]{OnError: func(err error, _ int, _ int) { gotErr = err }})
	require.NoError(t, err)
	require.Equal(t, []int{2}, out)
	require.ErrorContains(t, gotErr, "kaboom")
}

func TestProcess_UnorderedBoundsConcurrency(t *testing.T) {
	items := make([]int, 20)
	for i := range items {
		items[i] = i
	}
	var inflight, peak atomic.Int32
	var mu sync.Mutex
	var progress []int

	out, err := Process(context.Background(), items, func(_ context.Context, v int, _ int) (string, error) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inflight.Add(-1)
		return strconv.Itoa(v), nil
	}, Config[int, string]{
		Unordered:     true,
		MaxConcurrent: 3,
		OnProgress: func(p int) {
			mu.Lock()
			progress = append(progress, p)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	require.Len(t, out, 20)
	require.LessOrEqual(t, peak.Load(), int32(3))

	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.Atoi(out[i])
		b, _ := strconv.Atoi(out[j])
		return a < b
	})
	require.Equal(t, "0", out[0])
	require.Equal(t, "19", out[19])
	require.Len(t, progress, 20)
	require.Equal(t, 100, progress[len(progress)-1])
}

func TestProcess_AdaptivePauseSkippedForSlowBatches(t *testing.T) {
	start := time.Now()
	_, err := Process(context.Background(), []int{1, 2, 3, 4}, func(_ context.Context, v int, _ int) (int, error) {
		time.Sleep(5 * time.Millisecond)
		return v, nil
	}, Config[int, int]{
		BatchSize:           1,
		PauseBetweenBatches: 300 * time.Millisecond,
		MinBatchDuration:    time.Millisecond,
	})
	require.NoError(t, err)
	require.Less(t, time.Since(start), 300*time.Millisecond)
}
