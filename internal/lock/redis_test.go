package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis implements the two commands RedisLocker issues. Anything else
// panics through the nil embedded interface.
type fakeRedis struct {
	redis.Cmdable
	mu   sync.Mutex
	keys map[string]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{keys: make(map[string]string)}
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewBoolCmd(ctx)
	if _, held := f.keys[key]; held {
		cmd.SetVal(false)
		return cmd
	}
	f.keys[key] = value.(string)
	cmd.SetVal(true)
	return cmd
}

// EvalSha runs the compare-and-delete release script.
func (f *fakeRedis) EvalSha(ctx context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewCmd(ctx)
	if f.keys[keys[0]] == args[0] {
		delete(f.keys, keys[0])
		cmd.SetVal(int64(1))
		return cmd
	}
	cmd.SetVal(int64(0))
	return cmd
}

func (f *fakeRedis) get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.keys[key]
	return v, ok
}

func TestRedisLocker_AcquireAndRelease(t *testing.T) {
	rdb := newFakeRedis()
	l := NewRedisLocker(rdb, "test:", time.Second, time.Second)

	err := l.WithLock(context.Background(), "acct-1", func(context.Context) error {
		_, held := rdb.get("test:lock:account:acct-1")
		assert.True(t, held, "key should be set while fn runs")
		return nil
	})
	require.NoError(t, err)

	_, held := rdb.get("test:lock:account:acct-1")
	assert.False(t, held, "key should be released")
}

func TestRedisLocker_SerializesSameKey(t *testing.T) {
	rdb := newFakeRedis()
	l := NewRedisLocker(rdb, "", time.Second, 2*time.Second)

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithLock(context.Background(), "acct-1", func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestRedisLocker_TimesOutOnForeignHolder(t *testing.T) {
	rdb := newFakeRedis()
	rdb.keys["lock:account:acct-1"] = "someone-else"
	l := NewRedisLocker(rdb, "", time.Second, 60*time.Millisecond)

	called := false
	err := l.WithLock(context.Background(), "acct-1", func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrNotAcquired)
	assert.False(t, called)

	// The foreign lock is never released by us.
	v, _ := rdb.get("lock:account:acct-1")
	assert.Equal(t, "someone-else", v)
}

func TestRedisLocker_ContextCanceled(t *testing.T) {
	rdb := newFakeRedis()
	rdb.keys["lock:account:acct-1"] = "someone-else"
	l := NewRedisLocker(rdb, "", time.Second, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := l.WithLock(ctx, "acct-1", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrNotAcquired)
}
