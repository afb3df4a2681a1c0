package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/UniQw/shelfq/internal/keys"
)

// CacheStatus describes one cache partition.
type CacheStatus struct {
	Name       string `json:"name"`
	EntryCount int    `json:"entryCount"`
}

// Caches manages named cache partitions inside a Store. Every entry is a
// timestamped Entry so partitions can be pruned by age.
type Caches struct {
	s   Store
	now func() time.Time
}

// NewCaches creates a partition manager over s.
func NewCaches(s Store) *Caches {
	return &Caches{s: s, now: time.Now}
}

// WithClock overrides the time source. It is intended for tests.
func (c *Caches) WithClock(now func() time.Time) *Caches {
	c.now = now
	return c
}

// Put stores data as entry inside partition name.
func (c *Caches) Put(ctx context.Context, name, entry string, data json.RawMessage) error {
	return PutEntry(ctx, c.s, keys.CacheEntry(name, entry), data, c.now())
}

// Get returns the entry and the time it was written.
func (c *Caches) Get(ctx context.Context, name, entry string) (json.RawMessage, time.Time, error) {
	e, err := GetEntry[json.RawMessage](ctx, c.s, keys.CacheEntry(name, entry))
	if err != nil {
		return nil, time.Time{}, err
	}
	return e.Data, time.UnixMilli(e.Timestamp), nil
}

// Names lists partition names in lexical order.
func (c *Caches) Names(ctx context.Context) ([]string, error) {
	st, err := c.Status(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(st))
	for i, s := range st {
		out[i] = s.Name
	}
	return out, nil
}

// Status lists every partition with its entry count.
func (c *Caches) Status(ctx context.Context) ([]CacheStatus, error) {
	ks, err := c.s.Keys(ctx, keys.CachePrefix)
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	for _, k := range ks {
		if name := keys.ExtractPartition(k); name != "" {
			counts[name]++
		}
	}
	out := make([]CacheStatus, 0, len(counts))
	for n, cnt := range counts {
		out = append(out, CacheStatus{Name: n, EntryCount: cnt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Drop deletes a whole partition and returns how many entries it held.
func (c *Caches) Drop(ctx context.Context, name string) (int, error) {
	ks, err := c.s.Keys(ctx, keys.CachePartition(name))
	if err != nil {
		return 0, err
	}
	if len(ks) == 0 {
		return 0, nil
	}
	return len(ks), c.s.Delete(ctx, ks...)
}

// Clear deletes every partition. It returns how many partitions were removed.
func (c *Caches) Clear(ctx context.Context) (int, error) {
	names, err := c.Names(ctx)
	if err != nil {
		return 0, err
	}
	for _, n := range names {
		if _, err := c.Drop(ctx, n); err != nil {
			return 0, err
		}
	}
	return len(names), nil
}

// Prune deletes entries of partition name written more than maxAge ago.
// Entries that cannot be decoded are treated as expired.
func (c *Caches) Prune(ctx context.Context, name string, maxAge time.Duration) (int, error) {
	ks, err := c.s.Keys(ctx, keys.CachePartition(name))
	if err != nil {
		return 0, err
	}
	now := c.now()
	var stale []string
	for _, k := range ks {
		e, err := GetEntry[json.RawMessage](ctx, c.s, k)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil || !e.Fresh(now, maxAge) {
			stale = append(stale, k)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	return len(stale), c.s.Delete(ctx, stale...)
}
