package bookmarks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	ikeys "github.com/UniQw/shelfq/internal/keys"
	"github.com/UniQw/shelfq/storage"
	"github.com/stretchr/testify/require"
)

// testTree builds one folder holding n bookmarks b1..bn, bn newest.
func testTree(n int) *Node {
	root := &Node{ID: "root", Title: "Bar"}
	for i := 1; i <= n; i++ {
		root.Children = append(root.Children, &Node{
			ID:        fmt.Sprintf("b%d", i),
			Title:     fmt.Sprintf("Bookmark %d", i),
			URL:       fmt.Sprintf("https://example.com/%d", i),
			DateAdded: 1_700_000_000_000 + int64(i),
			ParentID:  "root",
		})
	}
	return root
}

func ids(bms []Bookmark) []string {
	out := make([]string, len(bms))
	for i, b := range bms {
		out[i] = b.ID
	}
	return out
}

func TestCache_ColdLoadWalksInBatches(t *testing.T) {
	ctx := context.Background()
	fast := storage.NewMemory(0)
	c := New(Config{Source: NewStaticSource(testTree(25)), Fast: fast, BatchSize: 10, BatchDelay: time.Millisecond})

	var progress []int
	var batches [][2]int
	got, err := c.LoadBookmarks(ctx,
		func(p int) { progress = append(progress, p) },
		func(done, total int) { batches = append(batches, [2]int{done, total}) })
	require.NoError(t, err)
	require.Len(t, got, 25)
	require.Equal(t, "b25", got[0].ID, "newest first")
	require.Equal(t, []int{40, 80, 100}, progress)
	require.Equal(t, [][2]int{{10, 25}, {20, 25}, {25, 25}}, batches)
	require.Len(t, c.Bookmarks(), 25)

	cached, ok := c.CachedBookmarks(ctx)
	require.True(t, ok)
	require.Equal(t, ids(got), ids(cached))
}

func TestCache_FreshHitRefreshesInBackground(t *testing.T) {
	ctx := context.Background()
	src := NewStaticSource(testTree(3))
	c := New(Config{Source: src})
	_, err := c.LoadBookmarks(ctx, nil, nil)
	require.NoError(t, err)

	// b3 is deleted at the source; the cached answer still has it
	tree := testTree(3)
	tree.Children = tree.Children[:2]
	src.SetTree(tree)
	got, err := c.LoadBookmarks(ctx, nil, nil)
	require.NoError(t, err)
	require.Len(t, got, 3)

	require.NoError(t, c.Close(ctx))
	require.Equal(t, []string{"b2", "b1"}, ids(c.Bookmarks()), "refresh evicts deleted nodes")
	cached, ok := c.CachedBookmarks(ctx)
	require.True(t, ok)
	require.Len(t, cached, 2)
}

type countingSource struct {
	*StaticSource
	calls   atomic.Int32
	release chan struct{}
}

func (s *countingSource) Tree(ctx context.Context) ([]*Node, error) {
	s.calls.Add(1)
	<-s.release
	return s.StaticSource.Tree(ctx)
}

func TestCache_ConcurrentLoadsShareOneWalk(t *testing.T) {
	src := &countingSource{StaticSource: NewStaticSource(testTree(4)), release: make(chan struct{})}
	c := New(Config{Source: src})

	var wg sync.WaitGroup
	results := make([][]Bookmark, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = c.LoadBookmarks(context.Background(), nil, nil)
		}(i)
	}
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(src.release)
	wg.Wait()

	require.EqualValues(t, 1, src.calls.Load())
	for _, r := range results {
		require.Len(t, r, 4)
	}
}

func TestCache_FallsBackToRecent(t *testing.T) {
	src := NewStaticSource(testTree(10))
	src.SetError(errors.New("tree unavailable"))
	c := New(Config{Source: src, RecentLimit: 3})

	got, err := c.LoadBookmarks(context.Background(), nil, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"b10", "b9", "b8"}, ids(got))

	_, err = c.Refresh(context.Background())
	require.Error(t, err, "refresh has no fallback")
}

func TestCache_DurableQuotaChunks(t *testing.T) {
	ctx := context.Background()
	durable := storage.NewMemory(1000)
	c := New(Config{Source: NewStaticSource(testTree(20)), Durable: durable, ChunkSize: 5})

	all, err := c.Refresh(ctx)
	require.NoError(t, err)
	require.Len(t, all, 20)

	_, err = durable.Get(ctx, ikeys.Bookmarks)
	require.ErrorIs(t, err, storage.ErrNotFound)
	cnt, err := storage.GetEntry[int](ctx, durable, ikeys.BookmarkChunkCount)
	require.NoError(t, err)
	require.Equal(t, 4, cnt.Data)

	// a second cache sharing only the durable tier reassembles the chunks
	other := New(Config{Source: NewStaticSource(), Durable: durable})
	got, ok := other.CachedBookmarks(ctx)
	require.True(t, ok)
	require.Equal(t, ids(all), ids(got))

	// a list that fits again replaces the chunks with a single value
	require.NoError(t, c.SetCachedBookmarks(ctx, all[:2]))
	keys, err := durable.Keys(ctx, "bookmarks")
	require.NoError(t, err)
	require.Equal(t, []string{ikeys.Bookmarks}, keys)
}

func TestCache_DurableQuotaHalvesChunks(t *testing.T) {
	ctx := context.Background()
	durable := storage.NewMemory(900)
	c := New(Config{Source: NewStaticSource(testTree(20)), Durable: durable, ChunkSize: 20})

	all, err := c.Refresh(ctx)
	require.NoError(t, err)
	cnt, err := storage.GetEntry[int](ctx, durable, ikeys.BookmarkChunkCount)
	require.NoError(t, err)
	require.Equal(t, 4, cnt.Data, "20 -> 10 -> 5 per chunk")

	got, ok := New(Config{Source: NewStaticSource(), Durable: durable}).CachedBookmarks(ctx)
	require.True(t, ok)
	require.Equal(t, ids(all), ids(got))
}

func TestCache_OversizedBookmarkKeepsFastTierOnly(t *testing.T) {
	ctx := context.Background()
	durable := storage.NewMemory(1000)
	fast := storage.NewMemory(0)
	c := New(Config{Source: NewStaticSource(testTree(20)), Fast: fast, Durable: durable, ChunkSize: 5})
	_, err := c.Refresh(ctx)
	require.NoError(t, err)

	huge := []Bookmark{{ID: "big", Title: strings.Repeat("x", 2000), URL: "https://example.com/big"}}
	require.NoError(t, c.SetCachedBookmarks(ctx, huge))

	keys, err := durable.Keys(ctx, "bookmarks")
	require.NoError(t, err)
	require.Empty(t, keys, "old chunks are dropped")

	got, ok := c.CachedBookmarks(ctx)
	require.True(t, ok)
	require.Equal(t, []string{"big"}, ids(got))
}

func TestCache_StaleTiersAreMisses(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	c := New(Config{Source: NewStaticSource(testTree(2)), Clock: func() time.Time { return now }})
	require.NoError(t, c.SetCachedBookmarks(ctx, []Bookmark{{ID: "x"}}))

	now = now.Add(10 * time.Minute)
	got, ok := c.CachedBookmarks(ctx)
	require.True(t, ok, "durable tier is still fresh")
	require.Equal(t, "x", got[0].ID)

	now = now.Add(2 * time.Hour)
	_, ok = c.CachedBookmarks(ctx)
	require.False(t, ok)
}

func TestCache_CategoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	durable := storage.NewMemory(0)
	c := New(Config{Source: NewStaticSource(testTree(3)), Durable: durable, CategoryDebounce: time.Hour})
	_, err := c.Refresh(ctx)
	require.NoError(t, err)

	require.NoError(t, c.SetCategory(ctx, "b1", "work"))
	require.NoError(t, c.SetCategory(ctx, "b2", "news"))
	require.Equal(t, "work", c.GetCategory("b1"))
	for _, b := range c.Bookmarks() {
		if b.ID == "b1" {
			require.Equal(t, "work", b.Category)
		}
	}
	_, err = durable.Get(ctx, ikeys.CategoriesBulk)
	require.ErrorIs(t, err, storage.ErrNotFound, "bulk write is debounced")

	// a restart before the debounce fires recovers from per-id keys
	restarted := New(Config{Source: NewStaticSource(testTree(3)), Durable: durable})
	restarted.Initialize(ctx)
	require.Equal(t, "work", restarted.GetCategory("b1"))
	got, err := restarted.Refresh(ctx)
	require.NoError(t, err)
	for _, b := range got {
		if b.ID == "b2" {
			require.Equal(t, "news", b.Category)
		}
	}

	require.NoError(t, c.SetCategory(ctx, "b2", ""))
	require.NoError(t, c.Close(ctx))
	bulk, err := storage.GetEntry[map[string]string](ctx, durable, ikeys.CategoriesBulk)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"b1": "work"}, bulk.Data)
	_, err = durable.Get(ctx, ikeys.Category("b2"))
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCache_CategoryDebounceFlushes(t *testing.T) {
	ctx := context.Background()
	durable := storage.NewMemory(0)
	c := New(Config{Source: NewStaticSource(), Durable: durable, CategoryDebounce: 20 * time.Millisecond})
	require.NoError(t, c.SetCategory(ctx, "a", "x"))
	require.NoError(t, c.SetCategory(ctx, "b", "y"))

	require.Eventually(t, func() bool {
		bulk, err := storage.GetEntry[map[string]string](ctx, durable, ikeys.CategoriesBulk)
		return err == nil && len(bulk.Data) == 2
	}, time.Second, 5*time.Millisecond)
	require.False(t, c.flushPending())
}

func TestCache_InitializeWarmsFromFastTier(t *testing.T) {
	ctx := context.Background()
	fast := storage.NewMemory(0)
	durable := storage.NewMemory(0)
	require.NoError(t, storage.PutEntry(ctx, durable, ikeys.CategoriesBulk, map[string]string{"b1": "fun"}, time.Now()))
	require.NoError(t, storage.PutEntry(ctx, fast, ikeys.Bookmarks, []Bookmark{{ID: "b1", Title: "t"}}, time.Now()))

	c := New(Config{Source: NewStaticSource(), Fast: fast, Durable: durable})
	c.Initialize(ctx)
	c.Initialize(ctx)
	got := c.Bookmarks()
	require.Len(t, got, 1)
	require.Equal(t, "fun", got[0].Category)
}

func TestCache_ClearCacheKeepsDurable(t *testing.T) {
	ctx := context.Background()
	fast := storage.NewMemory(0)
	c := New(Config{Source: NewStaticSource(testTree(2)), Fast: fast})
	_, err := c.Refresh(ctx)
	require.NoError(t, err)

	require.NoError(t, c.ClearCache(ctx))
	require.Empty(t, c.Bookmarks())
	_, err = fast.Get(ctx, ikeys.Bookmarks)
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, ok := c.CachedBookmarks(ctx)
	require.True(t, ok, "durable tier still answers")
}
