package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("schedule lock not acquired")
	ErrLockUnavailable = errors.New("schedule lock unavailable")
)

const retryInterval = 25 * time.Millisecond

// Locker guards the check-then-write section of a booking per schedule
// scope: one doctor's calendar, or the clinic-wide calendar.
type Locker interface {
	WithScheduleLock(ctx context.Context, scope string, fn func(ctx context.Context) error) error
}

// ScopeKey names the lock for a doctor, or the clinic-wide schedule when
// doctorID is nil.
func ScopeKey(doctorID *uuid.UUID) string {
	if doctorID == nil {
		return "clinic"
	}
	return "doctor:" + doctorID.String()
}

type redisScheduleLocker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
}

// NewRedisScheduleLocker creates a locker keyed lock:schedule:<scope>. A busy
// lock is polled for up to wait before giving up with ErrLockNotAcquired.
func NewRedisScheduleLocker(client *redis.Client, ttl, wait time.Duration) Locker {
	return &redisScheduleLocker{
		client: client,
		ttl:    ttl,
		wait:   wait,
	}
}

type heldKey struct{ key string }

// WithScheduleLock is reentrant: a nested call for a scope already held by
// ctx runs fn without touching Redis.
func (l *redisScheduleLocker) WithScheduleLock(ctx context.Context, scope string, fn func(ctx context.Context) error) error {
	key := "lock:schedule:" + scope
	if ctx.Value(heldKey{key}) != nil {
		return fn(ctx)
	}
	token := uuid.NewString()

	if err := l.acquire(ctx, key, token); err != nil {
		return err
	}

	defer func() {
		_ = l.release(context.WithoutCancel(ctx), key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(context.WithValue(ctxWithTimeout, heldKey{key}, token))
}

func (l *redisScheduleLocker) acquire(ctx context.Context, key, token string) error {
	deadline := time.Now().Add(l.wait)
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrLockUnavailable, err)
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return ErrLockNotAcquired
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisScheduleLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release schedule lock: %w", err)
	}
	return nil
}

// NoopLocker runs fn directly. Used when Redis is not configured and in
// tests, where the database transaction alone provides isolation.
type NoopLocker struct{}

func (NoopLocker) WithScheduleLock(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
