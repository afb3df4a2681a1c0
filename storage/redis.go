package storage

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures a Redis-backed Store.
type RedisOptions struct {
	// Prefix is prepended to every key so several stores can share one database.
	Prefix string
	// MaxValueBytes rejects writes whose key+value exceed it. Zero disables the check.
	MaxValueBytes int
	// ScanCount is the COUNT hint used while listing keys. Defaults to 256.
	ScanCount int64
}

// Redis is a Store backed by plain Redis string keys.
type Redis struct {
	rdb  redis.UniversalClient
	opts RedisOptions
}

// NewRedis creates a Store on top of an existing Redis client.
func NewRedis(rdb redis.UniversalClient, opts RedisOptions) *Redis {
	if opts.ScanCount <= 0 {
		opts.ScanCount = 256
	}
	return &Redis{rdb: rdb, opts: opts}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.rdb.Get(ctx, r.opts.Prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return b, err
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	if exceeds(r.opts.MaxValueBytes, key, value) {
		return ErrQuotaExceeded
	}
	return r.rdb.Set(ctx, r.opts.Prefix+key, value, 0).Err()
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.opts.Prefix + k
	}
	return r.rdb.Del(ctx, full...).Err()
}

func (r *Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	match := escapeGlob(r.opts.Prefix+prefix) + "*"
	seen := make(map[string]struct{})
	var cursor uint64
	for {
		batch, next, err := r.rdb.Scan(ctx, cursor, match, r.opts.ScanCount).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range batch {
			seen[strings.TrimPrefix(k, r.opts.Prefix)] = struct{}{}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// BytesInUse sums key and value lengths of every key under the store prefix.
func (r *Redis) BytesInUse(ctx context.Context) (int64, error) {
	ks, err := r.Keys(ctx, "")
	if err != nil {
		return 0, err
	}
	if len(ks) == 0 {
		return 0, nil
	}
	cmds := make([]*redis.IntCmd, len(ks))
	_, err = r.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range ks {
			cmds[i] = p.StrLen(ctx, r.opts.Prefix+k)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	var n int64
	for i, c := range cmds {
		n += int64(len(ks[i])) + c.Val()
	}
	return n, nil
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
