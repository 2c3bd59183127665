package lock

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	redis "github.com/redis/go-redis/v9"
)

var ErrNotObtained = errors.New("lock not obtained")

// Release gives a held lock back. It is safe to call once.
type Release func(ctx context.Context) error

// Locker serializes work on a key across processes.
type Locker interface {
	Acquire(ctx context.Context, key string) (Release, error)
}

type NoopLocker struct{}

func (NoopLocker) Acquire(_ context.Context, _ string) (Release, error) {
	return func(context.Context) error { return nil }, nil
}

// RedisLocker holds keys in Redis through redislock. Waiters retry linearly
// until the wait budget is spent.
type RedisLocker struct {
	client *redislock.Client
	prefix string
	ttl    time.Duration
	retry  redislock.RetryStrategy
}

func NewRedisLocker(rdb *redis.Client, prefix string, ttl time.Duration, wait time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	step := 50 * time.Millisecond
	attempts := int(wait / step)
	if attempts < 1 {
		attempts = 1
	}
	return &RedisLocker{
		client: redislock.New(rdb),
		prefix: prefix,
		ttl:    ttl,
		retry:  redislock.LimitRetry(redislock.LinearBackoff(step), attempts),
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (Release, error) {
	held, err := l.client.Obtain(ctx, l.prefix+key, l.ttl, &redislock.Options{RetryStrategy: l.retry})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrNotObtained
	}
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		err := held.Release(ctx)
		if errors.Is(err, redislock.ErrLockNotHeld) {
			return nil
		}
		return err
	}, nil
}
