package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newMiniClient(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	cleanup := func() {
		_ = rdb.Close()
		s.Close()
	}
	return rdb, cleanup
}

func newSQLite(t *testing.T, limit int) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "durable.db"), limit)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// backends returns one instance of every Store implementation with the given quota.
func backends(t *testing.T, limit int) map[string]Store {
	t.Helper()
	rdb, done := newMiniClient(t)
	t.Cleanup(done)
	return map[string]Store{
		"memory": NewMemory(limit),
		"redis":  NewRedis(rdb, RedisOptions{Prefix: "test:", MaxValueBytes: limit}),
		"sqlite": newSQLite(t, limit),
	}
}

func TestStore_Contract(t *testing.T) {
	for name, s := range backends(t, 0) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.Get(ctx, "missing")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Set(ctx, "category:1", []byte(`"work"`)))
			require.NoError(t, s.Set(ctx, "category:2", []byte(`"home"`)))
			require.NoError(t, s.Set(ctx, "tasks", []byte(`[]`)))

			v, err := s.Get(ctx, "category:1")
			require.NoError(t, err)
			require.Equal(t, `"work"`, string(v))

			// overwrite is last-writer-wins
			require.NoError(t, s.Set(ctx, "category:1", []byte(`"news"`)))
			v, err = s.Get(ctx, "category:1")
			require.NoError(t, err)
			require.Equal(t, `"news"`, string(v))

			ks, err := s.Keys(ctx, "category:")
			require.NoError(t, err)
			require.Equal(t, []string{"category:1", "category:2"}, ks)

			all, err := s.Keys(ctx, "")
			require.NoError(t, err)
			require.Len(t, all, 3)

			require.NoError(t, s.Delete(ctx, "category:1", "nope"))
			_, err = s.Get(ctx, "category:1")
			require.ErrorIs(t, err, ErrNotFound)
			require.NoError(t, s.Delete(ctx))
		})
	}
}

func TestStore_Quota(t *testing.T) {
	for name, s := range backends(t, 32) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Set(ctx, "k", []byte("small")))
			err := s.Set(ctx, "k", make([]byte, 64))
			require.ErrorIs(t, err, ErrQuotaExceeded)

			v, err := s.Get(ctx, "k")
			require.NoError(t, err)
			require.Equal(t, "small", string(v))
		})
	}
}

func TestStore_BytesInUse(t *testing.T) {
	for name, s := range backends(t, 0) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Set(ctx, "ab", []byte("1234")))
			require.NoError(t, s.Set(ctx, "c", []byte("56")))
			n, err := s.(UsageReporter).BytesInUse(ctx)
			require.NoError(t, err)
			require.Equal(t, int64(9), n)
		})
	}
}

func TestRedis_KeysEscapesGlob(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	s := NewRedis(rdb, RedisOptions{Prefix: "p:"})
	require.NoError(t, s.Set(ctx, "cache:{a*}:x", []byte("1")))
	require.NoError(t, s.Set(ctx, "cache:{ab}:x", []byte("1")))

	ks, err := s.Keys(ctx, "cache:{a*}")
	require.NoError(t, err)
	require.Equal(t, []string{"cache:{a*}:x"}, ks)
}

func TestEntry_Freshness(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(0)
	written := time.UnixMilli(1_700_000_000_000)
	require.NoError(t, PutEntry(ctx, s, "e", []string{"a", "b"}, written))

	e, err := GetEntry[[]string](ctx, s, "e")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, e.Data)
	require.Equal(t, written.UnixMilli(), e.Timestamp)

	require.True(t, e.Fresh(written.Add(4*time.Minute), 5*time.Minute))
	require.False(t, e.Fresh(written.Add(5*time.Minute), 5*time.Minute))

	_, err = GetEntry[[]string](ctx, s, "absent")
	require.ErrorIs(t, err, ErrNotFound)
}
