package store

import (
	"context"
	"time"

	"github.com/SohamPatel46/performance/internal/cache/keys"
	"github.com/SohamPatel46/performance/internal/core/observability"
	"github.com/SohamPatel46/performance/internal/urlmetric"
)

// KV is the subset of the redis client the store needs.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
	Close() error
}

// RedisStore keeps each URL's metrics as one JSON array value.
type RedisStore struct {
	kv        KV
	retention time.Duration
}

// NewRedisStore stores values under keys.URLMetricsKey. A positive retention expires
// URLs that receive no new metrics for that long.
func NewRedisStore(kv KV, retention time.Duration) *RedisStore {
	return &RedisStore{kv: kv, retention: retention}
}

func (s *RedisStore) Load(ctx context.Context, url string) ([]urlmetric.URLMetric, error) {
	start := time.Now()
	metrics := []urlmetric.URLMetric{}
	b, ok, err := s.kv.Get(ctx, keys.URLMetricsKey(url))
	if err == nil && ok {
		metrics, err = decode(b)
	}
	observability.ObserveStoreOp("load", err, time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return metrics, nil
}

func (s *RedisStore) Save(ctx context.Context, url string, metrics []urlmetric.URLMetric) error {
	start := time.Now()
	b, err := encode(metrics)
	if err == nil {
		err = s.kv.Set(ctx, keys.URLMetricsKey(url), b, s.retention)
	}
	observability.ObserveStoreOp("save", err, time.Since(start).Seconds())
	return err
}

func (s *RedisStore) Delete(ctx context.Context, url string) error {
	start := time.Now()
	err := s.kv.Del(ctx, keys.URLMetricsKey(url))
	observability.ObserveStoreOp("delete", err, time.Since(start).Seconds())
	return err
}

func (s *RedisStore) Ping(ctx context.Context) error { return s.kv.Ping(ctx) }

func (s *RedisStore) Close() error { return s.kv.Close() }
