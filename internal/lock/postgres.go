package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLocker implements Locker with session-level advisory locks.
// Each critical section pins one pooled connection for its duration, since
// advisory locks belong to the session that took them.
//
// The pool must not be the one the store uses: a holder's fn needs store
// connections of its own, and lock holders pinning every connection of a
// shared pool would starve them.
type PostgresLocker struct {
	pool *pgxpool.Pool
	wait time.Duration
}

// NewPostgresLocker creates a locker backed by pg_try_advisory_lock. pool
// should come from NewLockPool.
func NewPostgresLocker(pool *pgxpool.Pool, wait time.Duration) *PostgresLocker {
	return &PostgresLocker{pool: pool, wait: waitOrDefault(wait)}
}

// NewLockPool opens the locker's dedicated pool of at most size
// connections.
func NewLockPool(ctx context.Context, url string, size int) (*pgxpool.Pool, error) {
	cfg, err := lockPoolConfig(url, size)
	if err != nil {
		return nil, err
	}
	return pgxpool.NewWithConfig(ctx, cfg)
}

func lockPoolConfig(url string, size int) (*pgxpool.Config, error) {
	if size <= 0 {
		return nil, fmt.Errorf("lock: pool size must be positive, got %d", size)
	}
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("lock: parse database url: %w", err)
	}
	cfg.MaxConns = int32(size)
	cfg.MinConns = 0
	return cfg, nil
}

func (l *PostgresLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	// Waiting for a free session counts against the same wait budget as
	// waiting for the lock itself.
	actx, cancel := context.WithTimeout(ctx, l.wait)
	conn, err := l.pool.Acquire(actx)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: %s: acquire conn: %v", ErrNotAcquired, key, err)
	}
	defer conn.Release()

	deadline := time.Now().Add(l.wait)
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		var ok bool
		err := conn.QueryRow(ctx,
			`SELECT pg_try_advisory_lock(hashtextextended($1, 0))`, key).Scan(&ok)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s: waited %s", ErrNotAcquired, key, l.wait)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
		case <-ticker.C:
		}
	}

	defer func() {
		uctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(uctx,
			`SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key); err != nil {
			// A session we cannot unlock must not go back to the pool.
			slog.Warn("postgres advisory unlock failed", "key", key, "err", err)
			conn.Conn().Close(uctx)
		}
	}()

	return fn(ctx)
}
