package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// releaseScript deletes the key only when it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisBackend holds locks as plain Redis keys with a PX expiry, so every
// process talking to the same Redis shares them.
type RedisBackend struct {
	client redis.UniversalClient
}

func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := b.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", key, err)
	}
	return ok, nil
}

func (b *RedisBackend) Release(ctx context.Context, key, token string) error {
	n, err := releaseScript.Run(ctx, b.client, []string{key}, token).Int64()
	if err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("release %s: %w", key, ErrNotHeld)
	}
	return nil
}

var _ Backend = (*RedisBackend)(nil)
