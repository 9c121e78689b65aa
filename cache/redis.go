// Package cache provides stock.CacheStore backends.
package cache

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/warp/medstock/stock"
)

const (
	scanBatch    = 100
	probeTimeout = 250 * time.Millisecond
)

// Redis stores cached values as plain string keys with an expiry.
type Redis struct {
	client redis.UniversalClient
}

func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// Ready pings the server with a short timeout.
func (r *Redis) Ready(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return r.client.Ping(pctx).Err() == nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return data, err
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

// DeletePattern walks the keyspace with SCAN rather than KEYS so a large
// keyspace never blocks the server. Keys are collected over the whole scan
// before anything is deleted: deleting mid-scan shifts the cursor on some
// servers and skips keys.
func (r *Redis) DeletePattern(ctx context.Context, pattern string) error {
	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}

	for chunk := range slices.Chunk(keys, scanBatch) {
		if err := r.client.Del(ctx, chunk...).Err(); err != nil {
			return err
		}
	}
	return nil
}

var _ stock.CacheStore = (*Redis)(nil)
