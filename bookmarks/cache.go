// Package bookmarks keeps a locally materialized projection of an external
// bookmark tree in three tiers: an in-memory map, a fast store with a short
// freshness window and a durable store with a long one.
package bookmarks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	ikeys "github.com/UniQw/shelfq/internal/keys"
	"github.com/UniQw/shelfq/storage"
	"github.com/UniQw/shelfq/stream"
	"golang.org/x/sync/singleflight"
)

// Logger mirrors the root package logger to avoid an import cycle.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

// Bookmark is the cached projection of one source node. Category is local
// metadata and not part of the source tree.
type Bookmark struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	URL       string `json:"url,omitempty"`
	DateAdded int64  `json:"dateAdded"`
	ParentID  string `json:"parentId,omitempty"`
	Category  string `json:"category,omitempty"`
}

// Config configures a Cache. Zero values select the documented defaults.
type Config struct {
	Source Source
	// Fast is the short-lived local tier. Default in-memory.
	Fast storage.Store
	// Durable is the long-lived tier. It may enforce a per-value quota, in which
	// case bookmark lists are split into chunks. Default in-memory.
	Durable storage.Store
	Logger  Logger

	BatchSize        int           // default 100
	BatchDelay       time.Duration // default 10ms
	MinBatchDuration time.Duration // default 50ms
	RecentLimit      int           // default 100
	ChunkSize        int           // default 50
	FastTTL          time.Duration // default 5m
	DurableTTL       time.Duration // default 1h
	CategoryDebounce time.Duration // default 5s
	Clock            func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Fast == nil {
		c.Fast = storage.NewMemory(0)
	}
	if c.Durable == nil {
		c.Durable = storage.NewMemory(0)
	}
	if c.Logger == nil {
		c.Logger = noopLogger{}
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = 10 * time.Millisecond
	}
	if c.MinBatchDuration <= 0 {
		c.MinBatchDuration = 50 * time.Millisecond
	}
	if c.RecentLimit <= 0 {
		c.RecentLimit = 100
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 50
	}
	if c.FastTTL <= 0 {
		c.FastTTL = 5 * time.Minute
	}
	if c.DurableTTL <= 0 {
		c.DurableTTL = time.Hour
	}
	if c.CategoryDebounce <= 0 {
		c.CategoryDebounce = 5 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Cache is the only writer of the bookmark tiers.
type Cache struct {
	cfg Config
	log Logger

	mu         sync.RWMutex
	items      map[string]Bookmark
	categories map[string]string

	loads       singleflight.Group
	refreshing  atomic.Bool
	initialized atomic.Bool
	bg          sync.WaitGroup

	flushMu    sync.Mutex
	flushTimer *time.Timer
}

// New creates a Cache. Config.Source is required.
func New(cfg Config) *Cache {
	cfg = cfg.withDefaults()
	return &Cache{
		cfg:        cfg,
		log:        cfg.Logger,
		items:      make(map[string]Bookmark),
		categories: make(map[string]string),
	}
}

// Initialize loads categories and pre-warms the memory map from the fast tier.
// Failures are logged and the cache starts cold. Later calls do nothing.
func (c *Cache) Initialize(ctx context.Context) {
	if !c.initialized.CompareAndSwap(false, true) {
		return
	}
	cats := c.loadCategories(ctx)
	c.mu.Lock()
	for id, cat := range cats {
		c.categories[id] = cat
	}
	c.mu.Unlock()

	e, err := storage.GetEntry[[]Bookmark](ctx, c.cfg.Fast, ikeys.Bookmarks)
	switch {
	case err == nil && e.Fresh(c.cfg.Clock(), c.cfg.FastTTL):
		c.replace(e.Data)
		c.log.Infof("bookmarks: warmed %d entries from fast tier", len(e.Data))
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		c.log.Warnf("bookmarks: warm-up failed: %v", err)
	}
}

func (c *Cache) loadCategories(ctx context.Context) map[string]string {
	bulk, err := storage.GetEntry[map[string]string](ctx, c.cfg.Durable, ikeys.CategoriesBulk)
	if err == nil {
		return bulk.Data
	}
	if !errors.Is(err, storage.ErrNotFound) {
		c.log.Warnf("bookmarks: bulk categories unreadable, scanning keys: %v", err)
	}
	keys, err := c.cfg.Durable.Keys(ctx, ikeys.CategoryPrefix)
	if err != nil {
		c.log.Warnf("bookmarks: category scan failed: %v", err)
		return nil
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		e, err := storage.GetEntry[string](ctx, c.cfg.Durable, k)
		if err != nil {
			continue
		}
		if id := ikeys.CategoryID(k); id != "" && e.Data != "" {
			out[id] = e.Data
		}
	}
	return out
}

// LoadBookmarks returns the bookmark list. A fresh tier hit returns at once and
// refreshes in the background; otherwise the source tree is walked in batches.
// When the walk fails the most recent bookmarks are returned instead.
// Concurrent calls share one load; callbacks of the first caller are used.
func (c *Cache) LoadBookmarks(ctx context.Context, onProgress func(percent int), onBatch func(processed, total int)) ([]Bookmark, error) {
	v, err, _ := c.loads.Do("load", func() (any, error) {
		return c.load(ctx, onProgress, onBatch)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Bookmark), nil
}

func (c *Cache) load(ctx context.Context, onProgress func(int), onBatch func(int, int)) ([]Bookmark, error) {
	if cached, ok := c.CachedBookmarks(ctx); ok {
		c.replace(cached)
		c.refreshInBackground()
		return c.withCategories(cached), nil
	}

	out, err := c.walk(ctx, onProgress, onBatch)
	if err == nil {
		return out, nil
	}
	if errors.Is(err, stream.ErrAborted) || ctx.Err() != nil {
		return nil, err
	}
	c.log.Warnf("bookmarks: tree walk failed, falling back to recent: %v", err)
	nodes, rerr := c.cfg.Source.Recent(ctx, c.cfg.RecentLimit)
	if rerr != nil {
		return nil, fmt.Errorf("bookmarks: load: %w", errors.Join(err, rerr))
	}
	recent := make([]Bookmark, 0, len(nodes))
	for _, n := range nodes {
		recent = append(recent, c.project(n))
	}
	return recent, nil
}

// Refresh re-walks the source, evicts entries for deleted nodes and persists
// the result to both tiers.
func (c *Cache) Refresh(ctx context.Context) ([]Bookmark, error) {
	return c.walk(ctx, nil, nil)
}

func (c *Cache) refreshInBackground() {
	if !c.refreshing.CompareAndSwap(false, true) {
		return
	}
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		defer c.refreshing.Store(false)
		if _, err := c.Refresh(context.Background()); err != nil {
			c.log.Warnf("bookmarks: background refresh failed: %v", err)
		}
	}()
}

func (c *Cache) walk(ctx context.Context, onProgress func(int), onBatch func(int, int)) ([]Bookmark, error) {
	roots, err := c.cfg.Source.Tree(ctx)
	if err != nil {
		return nil, err
	}
	leaves := flatten(roots)
	out, err := stream.Process(ctx, leaves,
		func(_ context.Context, n *Node, _ int) (Bookmark, error) { return c.project(n), nil },
		stream.Config[*Node, Bookmark]{
			BatchSize:           c.cfg.BatchSize,
			PauseBetweenBatches: c.cfg.BatchDelay,
			MinBatchDuration:    c.cfg.MinBatchDuration,
			OnProgress:          onProgress,
			OnBatchComplete: func(processed, total int, _ []*Node) {
				if onBatch != nil {
					onBatch(processed, total)
				}
			},
		})
	if err != nil {
		return nil, err
	}
	c.replace(out)
	if err := c.SetCachedBookmarks(ctx, out); err != nil {
		c.log.Warnf("bookmarks: persist failed: %v", err)
	}
	c.log.Debugf("bookmarks: walked %d bookmarks", len(out))
	return out, nil
}

// project returns the cached record for n, creating a minimal one on a miss.
// Source fields are refreshed from n; the local category is kept.
func (c *Cache) project(n *Node) Bookmark {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.items[n.ID]
	if !ok {
		b = Bookmark{ID: n.ID}
	}
	b.Title = n.Title
	b.URL = n.URL
	b.DateAdded = n.DateAdded
	b.ParentID = n.ParentID
	if cat, ok := c.categories[n.ID]; ok {
		b.Category = cat
	}
	c.items[n.ID] = b
	return b
}

// replace makes the memory map hold exactly bms.
func (c *Cache) replace(bms []Bookmark) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := make(map[string]Bookmark, len(bms))
	for _, b := range bms {
		if cat, ok := c.categories[b.ID]; ok {
			b.Category = cat
		}
		next[b.ID] = b
	}
	c.items = next
}

func (c *Cache) withCategories(bms []Bookmark) []Bookmark {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Bookmark, len(bms))
	for i, b := range bms {
		if cat, ok := c.categories[b.ID]; ok {
			b.Category = cat
		}
		out[i] = b
	}
	return out
}

// SetCachedBookmarks writes bms to the fast tier and the durable tier. When the
// durable tier rejects the single value for size, the list is written as
// numbered chunks plus a chunk count instead.
func (c *Cache) SetCachedBookmarks(ctx context.Context, bms []Bookmark) error {
	now := c.cfg.Clock()
	ferr := storage.PutEntry(ctx, c.cfg.Fast, ikeys.Bookmarks, bms, now)
	if ferr != nil {
		ferr = fmt.Errorf("fast tier: %w", ferr)
	}

	oldChunks := c.chunkCount(ctx)
	derr := storage.PutEntry(ctx, c.cfg.Durable, ikeys.Bookmarks, bms, now)
	switch {
	case derr == nil:
		if oldChunks > 0 {
			c.dropChunks(ctx, 0, oldChunks, true)
		}
	case errors.Is(derr, storage.ErrQuotaExceeded):
		derr = c.writeChunks(ctx, bms, now, oldChunks)
	default:
		derr = fmt.Errorf("durable tier: %w", derr)
	}
	return errors.Join(ferr, derr)
}

// writeChunks stores bms as numbered chunks. A chunk still over quota halves
// the chunk size and starts over. When even single-bookmark chunks do not fit,
// the durable copy is dropped and only the fast tier keeps the list.
func (c *Cache) writeChunks(ctx context.Context, bms []Bookmark, now time.Time, oldChunks int) error {
	written := 0
	for size := c.cfg.ChunkSize; ; size /= 2 {
		n, err := c.putChunks(ctx, bms, size, now)
		written = max(written, n)
		if err == nil {
			if err := storage.PutEntry(ctx, c.cfg.Durable, ikeys.BookmarkChunkCount, n, now); err != nil {
				return fmt.Errorf("durable tier: chunk count: %w", err)
			}
			if err := c.cfg.Durable.Delete(ctx, ikeys.Bookmarks); err != nil {
				c.log.Warnf("bookmarks: drop single record: %v", err)
			}
			if stale := max(oldChunks, written); stale > n {
				c.dropChunks(ctx, n, stale, false)
			}
			c.log.Infof("bookmarks: durable tier over quota, wrote %d chunks of %d", n, size)
			return nil
		}
		if !errors.Is(err, storage.ErrQuotaExceeded) {
			return fmt.Errorf("durable tier: chunk %d: %w", n, err)
		}
		if size <= 1 {
			break
		}
	}
	c.log.Warnf("bookmarks: a single bookmark exceeds the durable quota, keeping the fast tier only")
	if err := c.cfg.Durable.Delete(ctx, ikeys.Bookmarks); err != nil {
		c.log.Warnf("bookmarks: drop single record: %v", err)
	}
	c.dropChunks(ctx, 0, max(oldChunks, written), true)
	return nil
}

// putChunks writes chunks of size and returns how many were stored.
func (c *Cache) putChunks(ctx context.Context, bms []Bookmark, size int, now time.Time) (int, error) {
	n := 0
	for start := 0; start < len(bms); start += size {
		end := min(start+size, len(bms))
		if err := storage.PutEntry(ctx, c.cfg.Durable, ikeys.BookmarkChunk(n), bms[start:end], now); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (c *Cache) chunkCount(ctx context.Context) int {
	e, err := storage.GetEntry[int](ctx, c.cfg.Durable, ikeys.BookmarkChunkCount)
	if err != nil {
		return 0
	}
	return e.Data
}

func (c *Cache) dropChunks(ctx context.Context, from, to int, withCount bool) {
	ks := make([]string, 0, to-from+1)
	for i := from; i < to; i++ {
		ks = append(ks, ikeys.BookmarkChunk(i))
	}
	if withCount {
		ks = append(ks, ikeys.BookmarkChunkCount)
	}
	if err := c.cfg.Durable.Delete(ctx, ks...); err != nil {
		c.log.Warnf("bookmarks: drop chunks: %v", err)
	}
}

// CachedBookmarks returns the persisted list from the first tier holding a
// fresh copy: fast, then durable (single value or chunks).
func (c *Cache) CachedBookmarks(ctx context.Context) ([]Bookmark, bool) {
	now := c.cfg.Clock()
	if e, err := storage.GetEntry[[]Bookmark](ctx, c.cfg.Fast, ikeys.Bookmarks); err == nil && e.Fresh(now, c.cfg.FastTTL) {
		return e.Data, true
	}
	if e, err := storage.GetEntry[[]Bookmark](ctx, c.cfg.Durable, ikeys.Bookmarks); err == nil && e.Fresh(now, c.cfg.DurableTTL) {
		return e.Data, true
	}
	cnt, err := storage.GetEntry[int](ctx, c.cfg.Durable, ikeys.BookmarkChunkCount)
	if err != nil || !cnt.Fresh(now, c.cfg.DurableTTL) {
		return nil, false
	}
	var out []Bookmark
	for i := 0; i < cnt.Data; i++ {
		e, err := storage.GetEntry[[]Bookmark](ctx, c.cfg.Durable, ikeys.BookmarkChunk(i))
		if err != nil {
			c.log.Warnf("bookmarks: chunk %d missing: %v", i, err)
			return nil, false
		}
		out = append(out, e.Data...)
	}
	if out == nil {
		out = []Bookmark{}
	}
	return out, true
}

// GetCategory returns the local category of id, or "".
func (c *Cache) GetCategory(id string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.categories[id]
}

// SetCategory assigns a category to a bookmark. The per-id record is written
// immediately; the consolidated record is rewritten after CategoryDebounce of
// quiet. An empty category removes the assignment.
func (c *Cache) SetCategory(ctx context.Context, id, category string) error {
	c.mu.Lock()
	if category == "" {
		delete(c.categories, id)
	} else {
		c.categories[id] = category
	}
	if b, ok := c.items[id]; ok {
		b.Category = category
		c.items[id] = b
	}
	c.mu.Unlock()

	var err error
	if category == "" {
		err = c.cfg.Durable.Delete(ctx, ikeys.Category(id))
	} else {
		err = storage.PutEntry(ctx, c.cfg.Durable, ikeys.Category(id), category, c.cfg.Clock())
	}
	c.scheduleFlush()
	return err
}

func (c *Cache) scheduleFlush() {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	if c.flushTimer != nil {
		c.flushTimer.Reset(c.cfg.CategoryDebounce)
		return
	}
	c.flushTimer = time.AfterFunc(c.cfg.CategoryDebounce, func() {
		if err := c.FlushCategories(context.Background()); err != nil {
			c.log.Warnf("bookmarks: category flush failed: %v", err)
		}
	})
}

// FlushCategories writes the consolidated category record now and cancels a
// pending debounced write.
func (c *Cache) FlushCategories(ctx context.Context) error {
	c.flushMu.Lock()
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
	c.flushMu.Unlock()

	c.mu.RLock()
	snap := make(map[string]string, len(c.categories))
	for id, cat := range c.categories {
		snap[id] = cat
	}
	c.mu.RUnlock()
	return storage.PutEntry(ctx, c.cfg.Durable, ikeys.CategoriesBulk, snap, c.cfg.Clock())
}

func (c *Cache) flushPending() bool {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	return c.flushTimer != nil
}

// ClearCache drops the memory map and the fast tier. The durable tier and
// categories are kept.
func (c *Cache) ClearCache(ctx context.Context) error {
	c.mu.Lock()
	c.items = make(map[string]Bookmark)
	c.mu.Unlock()
	return c.cfg.Fast.Delete(ctx, ikeys.Bookmarks)
}

// Bookmarks returns a snapshot of the memory map, newest first.
func (c *Cache) Bookmarks() []Bookmark {
	c.mu.RLock()
	out := make([]Bookmark, 0, len(c.items))
	for _, b := range c.items {
		out = append(out, b)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].DateAdded != out[j].DateAdded {
			return out[i].DateAdded > out[j].DateAdded
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Close waits for background refreshes and writes a pending category record.
func (c *Cache) Close(ctx context.Context) error {
	c.bg.Wait()
	if c.flushPending() {
		return c.FlushCategories(ctx)
	}
	return nil
}
