/*
cache.go - Best-effort result cache

PURPOSE:
  Read-through cache in front of aggregate views (batch lists, dashboard,
  alerts). It is never authoritative: every failure is swallowed and
  treated as a miss, so the engine stays correct with the cache disabled.

INVALIDATION:
  Stock-in, stock-out, adjustments and sweeps explicitly delete the
  write-adjacent keys (see invalidateMedicine). Purely derived keys such
  as alerts rely on their TTL alone.

KEYS:
  medicines:active      active medicine list
  batches:all           all active batches
  batches:<medicineID>  one medicine's usable batches
  dashboard:summary     dashboard snapshot
  alerts:<window>       expiring / low stock report
*/
package stock

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// CacheStore is the backing key-value store. Callers may ignore every error.
type CacheStore interface {
	// Ready is the liveness probe consulted before every operation.
	Ready(ctx context.Context) bool
	// Get returns (nil, nil) on a miss.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// DeletePattern removes every key matching a glob pattern.
	DeletePattern(ctx context.Context, pattern string) error
}

const (
	CacheKeyActiveMedicines = "medicines:active"
	CacheKeyAllBatches      = "batches:all"
	CacheKeyDashboard       = "dashboard:summary"

	DefaultCacheTTL = 60 * time.Second
)

func CacheKeyMedicineBatches(medicineID string) string {
	return "batches:" + medicineID
}

// ResultCache wraps a CacheStore with fail-open semantics. A nil
// *ResultCache, or one without a store, behaves as a permanently empty cache.
type ResultCache struct {
	Store  CacheStore
	TTL    time.Duration
	Logger *zap.Logger
}

func NewResultCache(store CacheStore, ttl time.Duration, logger *zap.Logger) *ResultCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResultCache{Store: store, TTL: ttl, Logger: logger}
}

func (c *ResultCache) enabled(ctx context.Context) bool {
	return c != nil && c.Store != nil && c.Store.Ready(ctx)
}

// Load decodes the cached value for key into dst. It reports false on any
// miss, outage or decode failure.
func (c *ResultCache) Load(ctx context.Context, key string, dst any) bool {
	if !c.enabled(ctx) {
		return false
	}
	data, err := c.Store.Get(ctx, key)
	if err != nil {
		c.Logger.Debug("cache get failed", zap.String("key", key), zap.Error(err))
		return false
	}
	if data == nil {
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		c.Logger.Debug("cache decode failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// Save stores value under key. ttl <= 0 uses the cache default.
func (c *ResultCache) Save(ctx context.Context, key string, value any, ttl time.Duration) {
	if !c.enabled(ctx) {
		return
	}
	if ttl <= 0 {
		ttl = c.TTL
	}
	data, err := json.Marshal(value)
	if err != nil {
		c.Logger.Debug("cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.Store.Set(ctx, key, data, ttl); err != nil {
		c.Logger.Debug("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *ResultCache) Invalidate(ctx context.Context, keys ...string) {
	if !c.enabled(ctx) || len(keys) == 0 {
		return
	}
	if err := c.Store.Delete(ctx, keys...); err != nil {
		c.Logger.Debug("cache delete failed", zap.Strings("keys", keys), zap.Error(err))
	}
}

func (c *ResultCache) InvalidatePattern(ctx context.Context, pattern string) {
	if !c.enabled(ctx) {
		return
	}
	if err := c.Store.DeletePattern(ctx, pattern); err != nil {
		c.Logger.Debug("cache pattern delete failed", zap.String("pattern", pattern), zap.Error(err))
	}
}

// invalidateMedicine drops every key a stock mutation on medicineID can make
// stale.
func (c *ResultCache) invalidateMedicine(ctx context.Context, medicineID string) {
	c.Invalidate(ctx, CacheKeyActiveMedicines, CacheKeyAllBatches, CacheKeyMedicineBatches(medicineID))
	c.InvalidatePattern(ctx, "dashboard:*")
}
