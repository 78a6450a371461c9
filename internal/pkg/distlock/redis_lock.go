package distlock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLock provides distributed locking via Redis using SET NX with TTL.
// The drainer takes one of these per queue so overlapping scheduler
// invocations never drain concurrently. Ownership is tracked with a
// caller-supplied value (the instance ID) and release/extend go through
// Lua scripts so a lock held by another instance is never touched.
type RedisLock struct {
	client *redis.Client
	key    string
	value  string
	ttl    time.Duration
}

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// New creates a distributed lock backed by Redis. owner should be unique
// per process instance (the drainer passes its uuid-suffixed ID).
func New(client *redis.Client, key, owner string, ttl time.Duration) *RedisLock {
	return &RedisLock{
		client: client,
		key:    fmt.Sprintf("lock:%s", key),
		value:  owner,
		ttl:    ttl,
	}
}

// Acquire tries to acquire the lock. Returns true if successful.
func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	return ok, nil
}

// Release releases the lock only if this instance still owns it.
func (l *RedisLock) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Result()
	return err
}

// Extend pushes the lock TTL out for long-running operations. Returns an
// error when Redis fails; a lock lost to TTL expiry extends as a no-op and
// is caught by the next Acquire.
func (l *RedisLock) Extend(ctx context.Context, ttl time.Duration) error {
	_, err := extendScript.Run(ctx, l.client, []string{l.key}, l.value, ttl.Milliseconds()).Result()
	return err
}

// Guard acquires the lock, runs fn while heartbeating the TTL every ttl/3,
// and releases on the way out. Returns (false, nil) without running fn when
// the lock is already held elsewhere.
func (l *RedisLock) Guard(ctx context.Context, fn func(context.Context) error) (bool, error) {
	ok, err := l.Acquire(ctx)
	if err != nil || !ok {
		return false, err
	}

	hbCtx, stopHB := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				_ = l.Extend(hbCtx, l.ttl)
			}
		}
	}()

	runErr := fn(ctx)

	stopHB()
	<-done

	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if relErr := l.Release(releaseCtx); relErr != nil && runErr == nil {
		runErr = fmt.Errorf("release lock %s: %w", l.key, relErr)
	}
	return true, runErr
}
