// Package storage provides the key-value tiers used by the task queue and the
// bookmark cache: an in-process map, Redis and SQLite, plus the helpers layered
// on top of them (timestamped entries, retries, offline spill, cache partitions).
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bytedance/sonic"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("storage: key not found")

// ErrQuotaExceeded is returned by Set when a value is larger than the store's per-key limit.
var ErrQuotaExceeded = errors.New("storage: per-key quota exceeded")

// Store is a flat key-value namespace. Writes are last-writer-wins.
type Store interface {
	// Get returns the value stored under key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes the given keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error
	// Keys lists the keys starting with prefix in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// UsageReporter is implemented by stores that can report their footprint.
type UsageReporter interface {
	BytesInUse(ctx context.Context) (int64, error)
}

// Entry wraps a persisted value with the time it was written.
type Entry[T any] struct {
	Data      T     `json:"data"`
	Timestamp int64 `json:"timestamp"`
}

// Fresh reports whether the entry is younger than ttl at now.
func (e Entry[T]) Fresh(now time.Time, ttl time.Duration) bool {
	return now.UnixMilli()-e.Timestamp < ttl.Milliseconds()
}

// PutEntry encodes v as an Entry stamped with now and stores it under key.
func PutEntry[T any](ctx context.Context, s Store, key string, v T, now time.Time) error {
	raw, err := json.Marshal(Entry[T]{Data: v, Timestamp: now.UnixMilli()})
	if err != nil {
		return err
	}
	return s.Set(ctx, key, raw)
}

// GetEntry loads and decodes the Entry stored under key.
// Freshness is left to the caller; see Entry.Fresh.
func GetEntry[T any](ctx context.Context, s Store, key string) (Entry[T], error) {
	var e Entry[T]
	raw, err := s.Get(ctx, key)
	if err != nil {
		return e, err
	}
	if err := sonic.Unmarshal(raw, &e); err != nil {
		return e, err
	}
	return e, nil
}

// exceeds applies the per-key quota rule shared by every backend: the key and
// the value both count against the limit.
func exceeds(limit int, key string, value []byte) bool {
	return limit > 0 && len(key)+len(value) > limit
}
