package store

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/SohamPatel46/performance/internal/cache/keys"
)

// Lock rate limits URL Metric submissions per client. Acquire reports false while a
// previous submission from the same client is still within the lock TTL.
type Lock interface {
	Acquire(ctx context.Context, clientID string) (bool, error)
}

// NoLock never refuses. It is used when the lock TTL is zero.
type NoLock struct{}

func (NoLock) Acquire(context.Context, string) (bool, error) { return true, nil }

type setNXer interface {
	SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error)
}

// RedisLock shares lock state between replicas through SET NX.
type RedisLock struct {
	kv  setNXer
	ttl time.Duration
}

func NewRedisLock(kv setNXer, ttl time.Duration) Lock {
	if ttl <= 0 {
		return NoLock{}
	}
	return &RedisLock{kv: kv, ttl: ttl}
}

func (l *RedisLock) Acquire(ctx context.Context, clientID string) (bool, error) {
	return l.kv.SetNX(ctx, keys.LockKey(clientID), []byte("1"), l.ttl)
}

// MemoryLock keeps lock state in process, bounded to size clients.
type MemoryLock struct {
	mu   sync.Mutex
	held *expirable.LRU[string, struct{}]
}

func NewMemoryLock(size int, ttl time.Duration) Lock {
	if ttl <= 0 {
		return NoLock{}
	}
	if size <= 0 {
		size = 10_000
	}
	return &MemoryLock{held: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

func (l *MemoryLock) Acquire(_ context.Context, clientID string) (bool, error) {
	k := keys.LockKey(clientID)
	l.mu.Lock()
	defer l.mu.Unlock()
	// Get, unlike Contains, treats entries past their TTL as absent
	if _, ok := l.held.Get(k); ok {
		return false, nil
	}
	l.held.Add(k, struct{}{})
	return true, nil
}
