/*
Package lock provides deployment-wide mutual exclusion for stock mutations.

PURPOSE:
  Manager implements stock.Locker on top of a Backend. Each acquisition
  carries a random token, so a holder whose lock already expired can never
  release a lock that another holder has since taken.

  ┌──────────┐  TryAcquire(key, token, ttl)  ┌─────────────────┐
  │ Manager  │ ─────────────────────────────▶│ Backend         │
  │ (retry,  │                               │ RedisBackend    │
  │  token)  │ ◀──────── Release(key, token) │ LocalBackend    │
  └──────────┘                               └─────────────────┘

RETRY:
  A busy lock is retried a bounded number of times with jittered
  exponential backoff. When the budget runs out the caller gets a
  *stock.LockUnavailableError and fn never runs.
*/
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/medstock/stock"
)

const (
	DefaultRetries    = 3
	DefaultRetryDelay = 200 * time.Millisecond

	releaseTimeout = 2 * time.Second
)

// ErrNotHeld is returned by Release when the key is missing or owned by a
// different token.
var ErrNotHeld = errors.New("lock not held")

var errBusy = errors.New("lock busy")

// Backend is a store that can hold expiring, token-owned keys.
type Backend interface {
	// TryAcquire sets key to token if the key is free. It reports false
	// when someone else holds it.
	TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// Release deletes key only if it still holds token.
	Release(ctx context.Context, key, token string) error
}

type Manager struct {
	backend    Backend
	retries    int
	retryDelay time.Duration
	logger     *zap.Logger
}

type Option func(*Manager)

// WithRetries sets how many times a busy lock is retried after the first
// attempt.
func WithRetries(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.retries = n
		}
	}
}

func WithRetryDelay(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.retryDelay = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func NewManager(backend Backend, opts ...Option) *Manager {
	m := &Manager{
		backend:    backend,
		retries:    DefaultRetries,
		retryDelay: DefaultRetryDelay,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WithLock implements stock.Locker.
func (m *Manager) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	if ttl <= 0 {
		ttl = stock.DefaultLockTTL
	}
	token := uuid.NewString()

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		ok, err := m.backend.TryAcquire(ctx, key, token, ttl)
		if err != nil {
			return struct{}{}, err
		}
		if !ok {
			return struct{}{}, errBusy
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(m.newBackOff()),
		backoff.WithMaxTries(uint(m.retries+1)),
	)
	if err != nil {
		var cause error
		if !errors.Is(err, errBusy) {
			cause = err
		}
		return &stock.LockUnavailableError{Key: key, Attempts: attempts, Cause: cause}
	}

	acquired := time.Now()
	defer m.release(ctx, key, token, ttl, acquired)

	return fn(ctx)
}

func (m *Manager) release(ctx context.Context, key, token string, ttl time.Duration, acquired time.Time) {
	held := time.Since(acquired)
	if held > ttl {
		m.logger.Warn("lock held past its ttl",
			zap.String("key", key),
			zap.Duration("held", held),
			zap.Duration("ttl", ttl))
	}

	// Release even when the caller's context is already cancelled.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := m.backend.Release(rctx, key, token); err != nil {
		m.logger.Warn("lock release failed", zap.String("key", key), zap.Error(err))
	}
}

func (m *Manager) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.retryDelay
	b.RandomizationFactor = 0.5
	b.Multiplier = 1.5
	b.MaxInterval = 4 * m.retryDelay
	return b
}

var _ stock.Locker = (*Manager)(nil)
