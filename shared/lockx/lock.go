// Package lockx is a best-effort redis lease used to keep periodic jobs from
// running on two workers at once.
package lockx

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

// Client is the subset of *redis.Client the lock needs.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

type Lock struct {
	Key   string
	Token string
	TTL   time.Duration
}

type Locker struct {
	client Client
	prefix string
}

func New(client Client, prefix string) *Locker {
	return &Locker{client: client, prefix: prefix}
}

// Acquire returns ok=false without error when someone else holds key.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, bool, error) {
	if l == nil || l.client == nil {
		return nil, false, errors.New("redis client not initialized")
	}
	if ttl <= 0 {
		return nil, false, errors.New("ttl must be > 0")
	}
	key = l.prefix + key
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{Key: key, Token: token, TTL: ttl}, true, nil
}

// Release deletes the lock only if it still carries our token.
func (l *Locker) Release(ctx context.Context, lock *Lock) error {
	if l == nil || l.client == nil {
		return errors.New("redis client not initialized")
	}
	if lock == nil {
		return errors.New("lock is nil")
	}
	return l.client.Eval(ctx, releaseScript, []string{lock.Key}, lock.Token).Err()
}

// Do runs fn while holding key. ran is false when the lock was taken.
func (l *Locker) Do(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) (ran bool, err error) {
	lock, ok, err := l.Acquire(ctx, key, ttl)
	if err != nil || !ok {
		return false, err
	}
	defer func() {
		if rerr := l.Release(context.WithoutCancel(ctx), lock); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return true, fn(ctx)
}
