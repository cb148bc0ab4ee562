package redis

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"
)

var (
	// ErrLockAcquire is returned when the lock cannot be acquired.
	ErrLockAcquire = errors.New("failed to acquire distributed lock")
	// ErrLockLost is returned on unlock when the lock expired or was taken over.
	ErrLockLost = errors.New("distributed lock no longer held")
)

// UnlockFunc releases a lock obtained from Locker.Lock.
type UnlockFunc func(ctx context.Context) error

// release deletes the key only while it still holds the caller's token.
var release = backend.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker provides mutual exclusion across processes sharing a Redis server.
type Locker struct {
	client *backend.Client
	prefix string
	retry  time.Duration
}

// LockerOption configures a Locker.
type LockerOption func(*Locker)

// WithRetryInterval sets how often a blocked Lock call polls Redis.
func WithRetryInterval(d time.Duration) LockerOption {
	return func(l *Locker) {
		if d > 0 {
			l.retry = d
		}
	}
}

// NewLocker creates a locker whose keys live under prefix + "lock:".
func NewLocker(client *backend.Client, prefix string, opts ...LockerOption) *Locker {
	l := &Locker{client: client, prefix: prefix, retry: 50 * time.Millisecond}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Locker) key(name string) string {
	return l.prefix + "lock:" + name
}

// Lock blocks until it holds the lock for name or ctx is done.
// The lock expires on its own after ttl.
func (l *Locker) Lock(ctx context.Context, name string, ttl time.Duration) (UnlockFunc, error) {
	key := l.key(name)
	token := rand.Text()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
		switch {
		case ctx.Err() != nil:
			return nil, fmt.Errorf("%w: %s: %v", ErrLockAcquire, name, ctx.Err())
		case err != nil:
			return nil, fmt.Errorf("redis error acquiring lock %s: %w", name, err)
		case ok:
			return l.unlocker(key, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrLockAcquire, name, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *Locker) unlocker(key, token string) UnlockFunc {
	return func(ctx context.Context) error {
		n, err := release.Run(ctx, l.client, []string{key}, token).Int()
		if err != nil {
			return fmt.Errorf("redis error releasing lock: %w", err)
		}
		if n == 0 {
			return ErrLockLost
		}
		return nil
	}
}
