package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLocker(client), mr
}

func TestRedisTryLockIsExclusive(t *testing.T) {
	locker, mr := newRedisLocker(t)
	ctx := context.Background()
	require.True(t, locker.Distributed())

	token, ok, err := locker.TryLock(ctx, "customer:1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists(keyPrefix+"customer:1"))

	_, ok, err = locker.TryLock(ctx, "customer:1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// A foreign token must not release the lock.
	require.NoError(t, locker.Release(ctx, "customer:1", "someone-else"))
	assert.True(t, mr.Exists(keyPrefix+"customer:1"))

	require.NoError(t, locker.Release(ctx, "customer:1", token))
	assert.False(t, mr.Exists(keyPrefix+"customer:1"))

	_, ok, err = locker.TryLock(ctx, "customer:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockExpires(t *testing.T) {
	locker, mr := newRedisLocker(t)
	ctx := context.Background()

	_, ok, err := locker.TryLock(ctx, "customer:2", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	_, ok, err = locker.TryLock(ctx, "customer:2", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTryLockValidatesArguments(t *testing.T) {
	locker := NewLocker(nil)
	ctx := context.Background()

	_, _, err := locker.TryLock(ctx, " ", time.Second)
	assert.ErrorIs(t, err, ErrEmptyKey)
	_, _, err = locker.TryLock(ctx, "k", 0)
	assert.ErrorIs(t, err, ErrInvalidTTL)
}

func TestLocalLockerFallback(t *testing.T) {
	locker := NewLocker(nil)
	ctx := context.Background()
	require.False(t, locker.Distributed())

	current := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	locker.now = func() time.Time { return current }

	token, ok, err := locker.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = locker.TryLock(ctx, "k", time.Minute)
	assert.False(t, ok)

	current = current.Add(2 * time.Minute)
	_, ok, _ = locker.TryLock(ctx, "k", time.Minute)
	assert.True(t, ok, "expired local lock should be reclaimable")

	// The first holder's token no longer owns the key.
	require.NoError(t, locker.Release(ctx, "k", token))
	_, ok, _ = locker.TryLock(ctx, "k", time.Minute)
	assert.False(t, ok)
}

func TestWithLockSerializesCallers(t *testing.T) {
	locker, _ := newRedisLocker(t)
	locker.pollStep = time.Millisecond
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithLock(ctx, "customer:3", time.Second, 5*time.Second, func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestWithLockGivesUpAfterWait(t *testing.T) {
	locker := NewLocker(nil)
	locker.pollStep = time.Millisecond
	ctx := context.Background()

	_, ok, err := locker.TryLock(ctx, "busy", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	called := false
	err = locker.WithLock(ctx, "busy", time.Minute, 10*time.Millisecond, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrNotAcquired)
	assert.False(t, called)
}

func TestWithLockReturnsCallbackError(t *testing.T) {
	locker := NewLocker(nil)
	ctx := context.Background()
	boom := errors.New("boom")

	err := locker.WithLock(ctx, "k", time.Minute, time.Second, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	// Released after the callback returned.
	_, ok, err := locker.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
