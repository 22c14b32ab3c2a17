package store

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/SohamPatel46/performance/internal/cache/redisstore"
)

func TestNoLockWhenTTLZero(t *testing.T) {
	for _, l := range []Lock{NewMemoryLock(10, 0), NewRedisLock(nil, 0)} {
		for range 3 {
			ok, err := l.Acquire(context.Background(), "c")
			if err != nil || !ok {
				t.Fatalf("%T refused with zero ttl: ok=%v err=%v", l, ok, err)
			}
		}
	}
}

func TestMemoryLock_RefusesWithinTTL(t *testing.T) {
	l := NewMemoryLock(10, 50*time.Millisecond)
	ctx := context.Background()

	if ok, _ := l.Acquire(ctx, "c1"); !ok {
		t.Fatal("first acquire refused")
	}
	if ok, _ := l.Acquire(ctx, "c1"); ok {
		t.Fatal("second acquire within ttl allowed")
	}
	if ok, _ := l.Acquire(ctx, "c2"); !ok {
		t.Fatal("other client refused")
	}

	time.Sleep(120 * time.Millisecond)
	if ok, _ := l.Acquire(ctx, "c1"); !ok {
		t.Fatal("acquire after ttl refused")
	}
}

func TestRedisLock_SharedThroughRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rc, err := redisstore.New(context.Background(), mr.Addr())
	if err != nil {
		t.Fatalf("redisstore.New: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })

	a := NewRedisLock(rc, time.Minute)
	b := NewRedisLock(rc, time.Minute)
	ctx := context.Background()

	if ok, err := a.Acquire(ctx, "c1"); err != nil || !ok {
		t.Fatalf("first acquire ok=%v err=%v", ok, err)
	}
	if ok, err := b.Acquire(ctx, "c1"); err != nil || ok {
		t.Fatalf("replica acquire ok=%v err=%v want refused", ok, err)
	}
	mr.FastForward(2 * time.Minute)
	if ok, _ := b.Acquire(ctx, "c1"); !ok {
		t.Fatal("acquire after expiry refused")
	}
}
