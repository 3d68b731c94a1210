// Package lock implements a named mutual-exclusion lock on Redis.
//
// A lock is a single key holding a random owner token with a TTL. Only the
// holder of the token may delete it, and the check-then-delete happens in
// one server-side script so an expired-and-reacquired lock is never removed
// by its previous owner.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/redisx"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrAcquireTimeout = errors.New("lock acquisition timed out")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Options struct {
	TTL  time.Duration // lifetime of a held lock
	Wait time.Duration // default acquisition timeout
	Poll time.Duration // retry interval while waiting
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 30 * time.Second
	}
	if o.Wait <= 0 {
		o.Wait = 5 * time.Second
	}
	if o.Poll <= 0 {
		o.Poll = 100 * time.Millisecond
	}
	return o
}

type Locker struct {
	rdb  redis.UniversalClient
	opts Options
	log  *zap.Logger
}

func New(rdb redis.UniversalClient, opts Options, log *zap.Logger) *Locker {
	return &Locker{rdb: rdb, opts: opts.withDefaults(), log: log}
}

func key(name string) string { return fmt.Sprintf(redisx.KeyLock, name) }

// Acquire polls until the lock is free or wait elapses. A non-positive wait
// uses the configured default. The returned token is required for Release.
func (l *Locker) Acquire(ctx context.Context, name string, wait time.Duration) (string, error) {
	if wait <= 0 {
		wait = l.opts.Wait
	}
	deadline := time.Now().Add(wait)
	k := key(name)

	for {
		token := uuid.NewString()
		ok, err := l.rdb.SetNX(ctx, k, token, l.opts.TTL).Result()
		if err != nil {
			return "", fmt.Errorf("acquire %s: %w", name, err)
		}
		if ok {
			return token, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", fmt.Errorf("%w: %s", ErrAcquireTimeout, name)
		}
		t := time.NewTimer(min(l.opts.Poll, remaining))
		select {
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		case <-t.C:
		}
	}
}

// Release deletes the lock only if it is still held with token. It reports
// false when the lock had expired or belongs to someone else.
func (l *Locker) Release(ctx context.Context, name, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.rdb, []string{key(name)}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("release %s: %w", name, err)
	}
	return n == 1, nil
}

// WithLock runs fn while holding name. The lock is released on every exit
// path, including panics and a cancelled ctx; fn's error is returned as is.
func (l *Locker) WithLock(ctx context.Context, name string, wait time.Duration, fn func(ctx context.Context) error) error {
	token, err := l.Acquire(ctx, name, wait)
	if err != nil {
		if errors.Is(err, ErrAcquireTimeout) {
			l.log.Warn("lock timeout", zap.String("lock", name), zap.Duration("wait", wait))
		}
		return err
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		released, err := l.Release(rctx, name, token)
		switch {
		case err != nil:
			l.log.Error("lock release failed", zap.String("lock", name), zap.Error(err))
		case !released:
			l.log.Warn("lock expired before release", zap.String("lock", name))
		}
	}()
	return fn(ctx)
}
