package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryLocker implements Locker with one channel semaphore per key.
// Entries are reference counted and dropped when no caller holds or waits
// for them.
type MemoryLocker struct {
	mu   sync.Mutex
	keys map[string]*keyLock
	wait time.Duration
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

// NewMemoryLocker creates an in-process locker. wait bounds how long a
// caller queues for a busy key.
func NewMemoryLocker(wait time.Duration) *MemoryLocker {
	return &MemoryLocker{
		keys: make(map[string]*keyLock),
		wait: waitOrDefault(wait),
	}
}

func (l *MemoryLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	k := l.ref(key)
	defer l.unref(key)

	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	select {
	case k.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("%w: %s: waited %s", ErrNotAcquired, key, l.wait)
	}
	defer func() { <-k.sem }()

	return fn(ctx)
}

func (l *MemoryLocker) ref(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	k, ok := l.keys[key]
	if !ok {
		k = &keyLock{sem: make(chan struct{}, 1)}
		l.keys[key] = k
	}
	k.refs++
	return k
}

func (l *MemoryLocker) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := l.keys[key]
	k.refs--
	if k.refs == 0 {
		delete(l.keys, key)
	}
}

// size reports the number of live keys.
func (l *MemoryLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}
