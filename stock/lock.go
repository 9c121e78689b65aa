package stock

import (
	"context"
	"time"
)

// DefaultLockTTL bounds how long a medicine lock survives a crashed holder.
// It must exceed the worst-case duration of one stock operation: if an
// operation overruns it, the lock can expire underneath it and a second
// writer may proceed. The compare-and-swap batch writes turn such an overlap
// into ErrConcurrentModification instead of a double allocation.
const DefaultLockTTL = 10 * time.Second

// Locker provides deployment-wide mutual exclusion per key.
//
// WithLock runs fn only while holding an exclusive, auto-expiring lock on
// key and releases it afterwards whether or not fn fails. When the lock
// cannot be acquired within the implementation's retry budget it returns an
// error wrapping ErrLockUnavailable without running fn.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

// MedicineLockKey is the lock key guarding one medicine's batch set.
func MedicineLockKey(medicineID string) string {
	return "lock:medicine:" + medicineID
}
