package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	l := New(rdb, Options{TTL: 30 * time.Second, Wait: 200 * time.Millisecond, Poll: 5 * time.Millisecond}, zap.NewNop())
	return l, mr
}

func TestAcquireRelease(t *testing.T) {
	l, mr := newLocker(t)
	ctx := context.Background()

	token, err := l.Acquire(ctx, "cartlock:u1", 0)
	require.NoError(t, err)
	assert.True(t, mr.Exists("lock:cartlock:u1"))
	assert.Greater(t, mr.TTL("lock:cartlock:u1"), time.Duration(0))

	ok, err := l.Release(ctx, "cartlock:u1", token)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, mr.Exists("lock:cartlock:u1"))
}

func TestAcquireTimesOutWhileHeld(t *testing.T) {
	l, _ := newLocker(t)
	ctx := context.Background()

	_, err := l.Acquire(ctx, "order:o1:status", 0)
	require.NoError(t, err)

	start := time.Now()
	_, err = l.Acquire(ctx, "order:o1:status", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrAcquireTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestReleaseWithForeignTokenIsNoop(t *testing.T) {
	l, mr := newLocker(t)
	ctx := context.Background()

	token, err := l.Acquire(ctx, "user:u1:order-creation", 0)
	require.NoError(t, err)

	ok, err := l.Release(ctx, "user:u1:order-creation", "someone-else")
	require.NoError(t, err)
	assert.False(t, ok)
	v, err := mr.Get("lock:user:u1:order-creation")
	require.NoError(t, err)
	assert.Equal(t, token, v)
}

func TestStaleTokenCannotReleaseNewOwner(t *testing.T) {
	l, mr := newLocker(t)
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "order:o2", 0)
	require.NoError(t, err)
	mr.FastForward(31 * time.Second)

	fresh, err := l.Acquire(ctx, "order:o2", 0)
	require.NoError(t, err)
	require.NotEqual(t, stale, fresh)

	ok, err := l.Release(ctx, "order:o2", stale)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, mr.Exists("lock:order:o2"))
}

func TestWithLockReleasesOnError(t *testing.T) {
	l, mr := newLocker(t)
	boom := errors.New("boom")

	err := l.WithLock(context.Background(), "cartlock:u2", 0, func(ctx context.Context) error {
		assert.True(t, mr.Exists("lock:cartlock:u2"))
		return boom
	})
	assert.Same(t, boom, err)
	assert.False(t, mr.Exists("lock:cartlock:u2"))
}

func TestWithLockReleasesOnPanic(t *testing.T) {
	l, mr := newLocker(t)

	assert.Panics(t, func() {
		_ = l.WithLock(context.Background(), "cartlock:u3", 0, func(ctx context.Context) error {
			panic("kaboom")
		})
	})
	assert.False(t, mr.Exists("lock:cartlock:u3"))
}

func TestWithLockReleasesOnCancel(t *testing.T) {
	l, mr := newLocker(t)
	ctx, cancel := context.WithCancel(context.Background())

	err := l.WithLock(ctx, "cartlock:u4", 0, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, mr.Exists("lock:cartlock:u4"))
}

func TestWithLockSerializes(t *testing.T) {
	l, _ := newLocker(t)
	l.opts.Wait = 2 * time.Second

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithLock(context.Background(), "cartlock:shared", 0, func(ctx context.Context) error {
				mu.Lock()
				inside++
				maxSeen = max(maxSeen, inside)
				mu.Unlock()
				time.Sleep(10 * time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestDifferentNamesDoNotBlock(t *testing.T) {
	l, _ := newLocker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Acquire(ctx, fmt.Sprintf("cartlock:user-%d", i), 10*time.Millisecond)
		require.NoError(t, err)
	}
}
