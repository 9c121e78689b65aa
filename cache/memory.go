package cache

import (
	"context"
	"path"
	"slices"
	"sync"
	"time"

	"github.com/warp/medstock/stock"
)

// Memory is a process-local cache with per-key expiry. Patterns use the
// same glob syntax as Redis SCAN MATCH for the subset path.Match supports.
type Memory struct {
	mu    sync.Mutex
	items map[string]memoryItem
	clock func() time.Time
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]memoryItem), clock: time.Now}
}

func (m *Memory) Ready(context.Context) bool { return true }

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[key]
	if !ok {
		return nil, nil
	}
	if !m.clock().Before(item.expiresAt) {
		delete(m.items, key)
		return nil, nil
	}
	return slices.Clone(item.value), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = memoryItem{value: slices.Clone(value), expiresAt: m.clock().Add(ttl)}
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.items, k)
	}
	return nil
}

func (m *Memory) DeletePattern(_ context.Context, pattern string) error {
	if _, err := path.Match(pattern, ""); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.items {
		if ok, _ := path.Match(pattern, k); ok {
			delete(m.items, k)
		}
	}
	return nil
}

var _ stock.CacheStore = (*Memory)(nil)
