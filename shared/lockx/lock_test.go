package lockx

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type fakeRedis struct {
	mu   sync.Mutex
	keys map[string]string
}

func newFakeRedis() *fakeRedis { return &fakeRedis{keys: map[string]string{}} }

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys[keys[0]] == args[0].(string) {
		delete(f.keys, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func TestAcquireIsExclusive(t *testing.T) {
	l := New(newFakeRedis(), "lock:")
	ctx := context.Background()
	first, ok, err := l.Acquire(ctx, "outbox", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: %v %v", ok, err)
	}
	if first.Key != "lock:outbox" {
		t.Fatalf("unexpected key %q", first.Key)
	}
	if _, ok, _ := l.Acquire(ctx, "outbox", time.Minute); ok {
		t.Fatalf("second acquire must fail while held")
	}
	if err := l.Release(ctx, first); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok, _ := l.Acquire(ctx, "outbox", time.Minute); !ok {
		t.Fatalf("acquire after release must succeed")
	}
}

func TestReleaseIgnoresForeignToken(t *testing.T) {
	fake := newFakeRedis()
	l := New(fake, "")
	ctx := context.Background()
	if _, ok, _ := l.Acquire(ctx, "k", time.Minute); !ok {
		t.Fatalf("acquire failed")
	}
	_ = l.Release(ctx, &Lock{Key: "k", Token: "someone-else"})
	if _, held := fake.keys["k"]; !held {
		t.Fatalf("foreign release removed the lock")
	}
}

func TestDoSkipsWhenHeld(t *testing.T) {
	l := New(newFakeRedis(), "")
	ctx := context.Background()
	held, _, _ := l.Acquire(ctx, "sweep", time.Minute)

	calls := 0
	ran, err := l.Do(ctx, "sweep", time.Minute, func(context.Context) error { calls++; return nil })
	if ran || err != nil || calls != 0 {
		t.Fatalf("expected skip, got ran=%v err=%v calls=%d", ran, err, calls)
	}
	_ = l.Release(ctx, held)

	boom := errors.New("boom")
	ran, err = l.Do(ctx, "sweep", time.Minute, func(context.Context) error { calls++; return boom })
	if !ran || !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("expected run with error, got ran=%v err=%v calls=%d", ran, err, calls)
	}
	if _, ok, _ := l.Acquire(ctx, "sweep", time.Minute); !ok {
		t.Fatalf("Do must release the lock after fn")
	}
}

func TestAcquireValidates(t *testing.T) {
	if _, _, err := (*Locker)(nil).Acquire(context.Background(), "k", time.Second); err == nil {
		t.Fatalf("nil locker must error")
	}
	if _, _, err := New(newFakeRedis(), "").Acquire(context.Background(), "k", 0); err == nil {
		t.Fatalf("zero ttl must error")
	}
}
