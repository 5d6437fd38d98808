// Package lock provides account-scoped mutual exclusion for the settlement
// processor. One key is one account; different keys never block each other.
//
// MemoryLocker serves a single instance. RedisLocker and PostgresLocker
// serve several instances sharing the same backend.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotAcquired is returned when the lock could not be taken within the
// wait budget or the context ended first.
var ErrNotAcquired = errors.New("lock: not acquired")

// Locker runs fn while holding the exclusive lock for key. The lock is
// released when fn returns, whatever its result.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// DefaultWait is used when a locker is built with a non-positive wait.
const DefaultWait = 5 * time.Second

// retryInterval is the polling period of the distributed lockers.
const retryInterval = 25 * time.Millisecond

func waitOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultWait
	}
	return d
}
