package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/UniQw/shelfq/internal/keys"
	"github.com/bytedance/sonic"
	"github.com/cenkalti/backoff/v4"
)

// ErrQueuedOffline is returned when a write could not reach the store after all
// retries and was spilled to the offline queue instead. Callers treat it as a notice.
var ErrQueuedOffline = errors.New("storage: write queued offline")

// RetryConfig configures WithRetry.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt. Defaults to 3.
	MaxRetries uint64
	// InitialInterval is the first backoff delay. Defaults to 100ms.
	InitialInterval time.Duration
	// MaxInterval caps the backoff delay. Defaults to 2s.
	MaxInterval time.Duration
	// Offline receives writes that still fail after MaxRetries. Optional.
	Offline *OfflineQueue
}

// Retrying wraps a Store and retries transient failures with exponential backoff.
// ErrNotFound, ErrQuotaExceeded and context errors are never retried.
type Retrying struct {
	next Store
	cfg  RetryConfig
}

// WithRetry wraps s with retry behavior.
func WithRetry(s Store, cfg RetryConfig) *Retrying {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 2 * time.Second
	}
	return &Retrying{next: s, cfg: cfg}
}

func (r *Retrying) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, r.cfg.MaxRetries), ctx)
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return backoff.Permanent(err)
	}
	return err
}

func (r *Retrying) Get(ctx context.Context, key string) ([]byte, error) {
	return backoff.RetryWithData(func() ([]byte, error) {
		v, err := r.next.Get(ctx, key)
		return v, classify(err)
	}, r.policy(ctx))
}

func (r *Retrying) Set(ctx context.Context, key string, value []byte) error {
	err := backoff.Retry(func() error {
		return classify(r.next.Set(ctx, key, value))
	}, r.policy(ctx))
	if err == nil {
		r.supersede(ctx, key)
	}
	return r.spill(ctx, err, Op{Kind: OpSet, Key: key, Value: value})
}

func (r *Retrying) Delete(ctx context.Context, ks ...string) error {
	err := backoff.Retry(func() error {
		return classify(r.next.Delete(ctx, ks...))
	}, r.policy(ctx))
	if err == nil {
		r.supersede(ctx, ks...)
	}
	return r.spill(ctx, err, Op{Kind: OpDelete, Keys: ks})
}

func (r *Retrying) Keys(ctx context.Context, prefix string) ([]string, error) {
	return backoff.RetryWithData(func() ([]string, error) {
		v, err := r.next.Keys(ctx, prefix)
		return v, classify(err)
	}, r.policy(ctx))
}

// BytesInUse delegates to the wrapped store when it reports usage.
func (r *Retrying) BytesInUse(ctx context.Context) (int64, error) {
	if u, ok := r.next.(UsageReporter); ok {
		return u.BytesInUse(ctx)
	}
	return 0, nil
}

// Unwrap returns the wrapped store.
func (r *Retrying) Unwrap() Store { return r.next }

// supersede drops backlog entries for keys that were just written directly.
// A failure leaves the backlog as is; the direct write already succeeded.
func (r *Retrying) supersede(ctx context.Context, ks ...string) {
	if r.cfg.Offline != nil {
		_ = r.cfg.Offline.Forget(ctx, ks...)
	}
}

func (r *Retrying) spill(ctx context.Context, err error, op Op) error {
	if err == nil || r.cfg.Offline == nil {
		return err
	}
	if errors.Is(err, ErrQuotaExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if qerr := r.cfg.Offline.Push(ctx, op); qerr != nil {
		return errors.Join(err, qerr)
	}
	return ErrQueuedOffline
}

// Op kinds recorded by the offline queue.
const (
	OpSet    = "set"
	OpDelete = "delete"
)

// Op is one deferred write.
type Op struct {
	Kind  string   `json:"kind"`
	Key   string   `json:"key,omitempty"`
	Value []byte   `json:"value,omitempty"`
	Keys  []string `json:"keys,omitempty"`
}

// OfflineQueue persists writes that could not be applied so they can be
// replayed once the target store is reachable again.
type OfflineQueue struct {
	mu    sync.Mutex
	spill Store
}

// NewOfflineQueue keeps its backlog in spill under a single key.
func NewOfflineQueue(spill Store) *OfflineQueue {
	return &OfflineQueue{spill: spill}
}

// Push appends op to the backlog.
func (q *OfflineQueue) Push(ctx context.Context, op Op) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	ops, err := q.load(ctx)
	if err != nil {
		return err
	}
	return q.save(ctx, append(ops, op))
}

// Forget removes queued writes to ks so a later Replay cannot restore values
// older than what the target already holds.
func (q *OfflineQueue) Forget(ctx context.Context, ks ...string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	ops, err := q.load(ctx)
	if err != nil || len(ops) == 0 {
		return err
	}
	drop := make(map[string]bool, len(ks))
	for _, k := range ks {
		drop[k] = true
	}
	kept := make([]Op, 0, len(ops))
	changed := false
	for _, op := range ops {
		switch op.Kind {
		case OpSet:
			if drop[op.Key] {
				changed = true
				continue
			}
		case OpDelete:
			var rest []string
			for _, k := range op.Keys {
				if drop[k] {
					changed = true
					continue
				}
				rest = append(rest, k)
			}
			if len(rest) == 0 {
				continue
			}
			op.Keys = rest
		}
		kept = append(kept, op)
	}
	switch {
	case !changed:
		return nil
	case len(kept) == 0:
		return q.spill.Delete(ctx, keys.OfflineQueue)
	}
	return q.save(ctx, kept)
}

// Pending returns the backlog in insertion order.
func (q *OfflineQueue) Pending(ctx context.Context) ([]Op, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx)
}

// Replay applies the backlog to target in order. It stops at the first failure
// and keeps the remaining operations queued. It returns how many were applied.
func (q *OfflineQueue) Replay(ctx context.Context, target Store) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ops, err := q.load(ctx)
	if err != nil || len(ops) == 0 {
		return 0, err
	}
	applied := 0
	var replayErr error
	for _, op := range ops {
		switch op.Kind {
		case OpSet:
			replayErr = target.Set(ctx, op.Key, op.Value)
		case OpDelete:
			replayErr = target.Delete(ctx, op.Keys...)
		}
		if replayErr != nil {
			break
		}
		applied++
	}
	rest := ops[applied:]
	if len(rest) == 0 {
		if err := q.spill.Delete(ctx, keys.OfflineQueue); err != nil {
			return applied, err
		}
		return applied, replayErr
	}
	if err := q.save(ctx, rest); err != nil {
		return applied, errors.Join(replayErr, err)
	}
	return applied, replayErr
}

func (q *OfflineQueue) load(ctx context.Context) ([]Op, error) {
	raw, err := q.spill.Get(ctx, keys.OfflineQueue)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ops []Op
	if err := sonic.Unmarshal(raw, &ops); err != nil {
		return nil, err
	}
	return ops, nil
}

func (q *OfflineQueue) save(ctx context.Context, ops []Op) error {
	raw, err := json.Marshal(ops)
	if err != nil {
		return err
	}
	return q.spill.Set(ctx, keys.OfflineQueue, raw)
}
