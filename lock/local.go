package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LocalBackend keeps locks in process memory. It only excludes callers in
// the same process and is meant for development and tests.
type LocalBackend struct {
	mu    sync.Mutex
	held  map[string]localLock
	clock func() time.Time
}

type localLock struct {
	token     string
	expiresAt time.Time
}

func NewLocalBackend() *LocalBackend {
	return &LocalBackend{held: make(map[string]localLock), clock: time.Now}
}

func (b *LocalBackend) TryAcquire(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	if cur, ok := b.held[key]; ok && now.Before(cur.expiresAt) {
		return false, nil
	}
	b.held[key] = localLock{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}

func (b *LocalBackend) Release(_ context.Context, key, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok := b.held[key]
	if !ok || cur.token != token {
		return fmt.Errorf("release %s: %w", key, ErrNotHeld)
	}
	delete(b.held, key)
	return nil
}

var _ Backend = (*LocalBackend)(nil)
