// Package stream processes bounded item sets through an asynchronous transform
// in batches, reporting progress and honoring concurrency, timeout, retry and
// cancellation policies. It also provides small channel-based pipeline helpers.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrAborted is returned when a run is cancelled, either through Engine.Cancel,
// the caller's context, or a transform that returns ErrAborted itself.
var ErrAborted = errors.New("stream: processing aborted")

// ErrTimeout is reported for an item whose transform outlived Config.Timeout.
var ErrTimeout = errors.New("stream: item timed out")

// TransformFunc converts one item. ctx is cancelled when the run is aborted or
// the per-item timeout fires; long transforms should observe it.
type TransformFunc[T, R any] func(ctx context.Context, item T, index int) (R, error)

// Config controls one Engine. Zero values select the documented defaults.
type Config[T, R any] struct {
	// BatchSize is the number of items per batch. Default 10.
	BatchSize int
	// PauseBetweenBatches is slept between batches in ordered mode. Default 0.
	PauseBetweenBatches time.Duration
	// MinBatchDuration, when positive, applies the pause only after batches that
	// finished faster than it.
	MinBatchDuration time.Duration
	// Unordered switches from batch-at-a-time to a sliding window of MaxConcurrent
	// in-flight items. Results are then returned in completion order.
	Unordered bool
	// MaxConcurrent bounds the sliding window in unordered mode. Default 5.
	MaxConcurrent int
	// RetryCount is the number of extra attempts per item. Default 0.
	RetryCount int
	// RetryDelay separates attempts. Default 1s.
	RetryDelay time.Duration
	// Timeout bounds every attempt. Default 30s.
	Timeout time.Duration

	OnProgress      func(percent int)
	OnBatchComplete func(processed, total int, batch []T)
	OnComplete      func(results []R)
	OnError         func(err error, item T, index int)
}

func (c Config[T, R]) withDefaults() Config[T, R] {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.RetryCount < 0 {
		c.RetryCount = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// Engine runs Process calls with a fixed Config. Cancel aborts the run in flight.
type Engine[T, R any] struct {
	cfg Config[T, R]

	mu      sync.Mutex
	cancel  context.CancelCauseFunc
	aborted bool
}

// New creates an Engine.
func New[T, R any](cfg Config[T, R]) *Engine[T, R] {
	return &Engine[T, R]{cfg: cfg.withDefaults()}
}

// Process is a shorthand for New(cfg).Process(ctx, items, fn).
func Process[T, R any](ctx context.Context, items []T, fn TransformFunc[T, R], cfg Config[T, R]) ([]R, error) {
	return New(cfg).Process(ctx, items, fn)
}

// Cancel aborts the current run. A Cancel issued before Process makes it fail
// immediately.
func (e *Engine[T, R]) Cancel() {
	e.mu.Lock()
	e.aborted = true
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel(ErrAborted)
	}
}

// Process transforms items and returns the successful results. Items that still
// fail after retries are reported through OnError and left out. Once the run is
// aborted no further callbacks fire and the returned error wraps ErrAborted.
func (e *Engine[T, R]) Process(ctx context.Context, items []T, fn TransformFunc[T, R]) ([]R, error) {
	if len(items) == 0 {
		return []R{}, nil
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	e.mu.Lock()
	if e.aborted {
		e.mu.Unlock()
		return nil, ErrAborted
	}
	e.cancel = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.cancel = nil
		e.mu.Unlock()
	}()

	var (
		results []R
		err     error
	)
	if e.cfg.Unordered {
		results, err = e.unordered(runCtx, cancel, items, fn)
	} else {
		results, err = e.ordered(runCtx, cancel, items, fn)
	}
	if err != nil {
		return nil, err
	}
	if runCtx.Err() != nil {
		return nil, abortErr(runCtx)
	}
	if e.cfg.OnComplete != nil {
		e.cfg.OnComplete(results)
	}
	return results, nil
}

func (e *Engine[T, R]) ordered(ctx context.Context, cancel context.CancelCauseFunc, items []T, fn TransformFunc[T, R]) ([]R, error) {
	total := len(items)
	bs := e.cfg.BatchSize
	results := make([]R, 0, total)

	for start := 0; start < total; start += bs {
		if ctx.Err() != nil {
			return nil, abortErr(ctx)
		}
		end := min(start+bs, total)
		batch := items[start:end]
		began := time.Now()

		out := make([]R, len(batch))
		errs := make([]error, len(batch))
		var wg sync.WaitGroup
		for i := range batch {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				out[i], errs[i] = e.runItem(ctx, batch[i], start+i, fn)
			}(i)
		}
		wg.Wait()

		for i := range batch {
			if errs[i] != nil && errors.Is(errs[i], ErrAborted) {
				cancel(errs[i])
				break
			}
		}
		if ctx.Err() != nil {
			return nil, abortErr(ctx)
		}
		for i := range batch {
			if errs[i] != nil {
				e.reportError(errs[i], batch[i], start+i)
				continue
			}
			results = append(results, out[i])
		}

		if e.cfg.OnProgress != nil {
			e.cfg.OnProgress(end * 100 / total)
		}
		if ctx.Err() != nil {
			return nil, abortErr(ctx)
		}
		if e.cfg.OnBatchComplete != nil {
			e.cfg.OnBatchComplete(end, total, batch)
		}
		if end < total {
			if err := e.pause(ctx, time.Since(began)); err != nil {
				return nil, abortErr(ctx)
			}
		}
	}
	return results, nil
}

func (e *Engine[T, R]) unordered(ctx context.Context, cancel context.CancelCauseFunc, items []T, fn TransformFunc[T, R]) ([]R, error) {
	total := len(items)
	sem := semaphore.NewWeighted(int64(e.cfg.MaxConcurrent))

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make([]R, 0, total)
		settled int
		window  []T
	)
	for i := range items {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer sem.Release(1)
			r, err := e.runItem(ctx, items[i], i, fn)

			mu.Lock()
			defer mu.Unlock()
			if err != nil && errors.Is(err, ErrAborted) {
				cancel(err)
			}
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				e.reportError(err, items[i], i)
			} else {
				results = append(results, r)
			}
			settled++
			window = append(window, items[i])
			if e.cfg.OnProgress != nil {
				e.cfg.OnProgress(settled * 100 / total)
			}
			if len(window) == e.cfg.BatchSize || settled == total {
				if e.cfg.OnBatchComplete != nil && ctx.Err() == nil {
					e.cfg.OnBatchComplete(settled, total, window)
				}
				window = nil
			}
		}(i)
	}
	wg.Wait()
	if ctx.Err() != nil {
		return nil, abortErr(ctx)
	}
	return results, nil
}

// runItem applies fn with the timeout race and retry policy.
func (e *Engine[T, R]) runItem(ctx context.Context, item T, index int, fn TransformFunc[T, R]) (R, error) {
	var zero R
	var lastErr error
	for attempt := 0; attempt <= e.cfg.RetryCount; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, e.cfg.RetryDelay); err != nil {
				return zero, err
			}
		}
		r, err := e.attempt(ctx, item, index, fn)
		if err == nil {
			return r, nil
		}
		if ctx.Err() != nil || errors.Is(err, ErrAborted) {
			return zero, err
		}
		lastErr = err
	}
	return zero, lastErr
}

func (e *Engine[T, R]) attempt(ctx context.Context, item T, index int, fn TransformFunc[T, R]) (R, error) {
	actx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	type outcome struct {
		r   R
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				var zero R
				done <- outcome{zero, fmt.Errorf("stream: transform panic: %v", p)}
			}
		}()
		r, err := fn(actx, item, index)
		done <- outcome{r, err}
	}()

	var zero R
	timedOut := func() (R, error) {
		return zero, fmt.Errorf("%w after %s (index %d)", ErrTimeout, e.cfg.Timeout, index)
	}
	select {
	case o := <-done:
		if o.err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return timedOut()
		}
		return o.r, o.err
	case <-actx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return timedOut()
	}
}

func (e *Engine[T, R]) reportError(err error, item T, index int) {
	if e.cfg.OnError != nil {
		e.cfg.OnError(err, item, index)
	}
}

func (e *Engine[T, R]) pause(ctx context.Context, elapsed time.Duration) error {
	if e.cfg.PauseBetweenBatches <= 0 {
		return nil
	}
	if e.cfg.MinBatchDuration > 0 && elapsed >= e.cfg.MinBatchDuration {
		return nil
	}
	return sleep(ctx, e.cfg.PauseBetweenBatches)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func abortErr(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrAborted) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrAborted, cause)
}
