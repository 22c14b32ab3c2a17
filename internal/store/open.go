package store

import (
	"context"
	"fmt"

	"github.com/SohamPatel46/performance/internal/cache/redisstore"
	"github.com/SohamPatel46/performance/internal/core/config"
)

// Open builds the configured store and the matching storage lock. Redis shares the
// lock between replicas; SQLite is single node so its lock stays in process.
func Open(ctx context.Context, cfg config.StoreCfg) (Store, Lock, error) {
	switch cfg.Driver {
	case "redis":
		rc, err := redisstore.New(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("redis client: %w", err)
		}
		return NewRedisStore(rc, cfg.Retention), NewRedisLock(rc, cfg.LockTTL), nil
	case "sqlite":
		s, err := OpenSQLite(cfg.SQLitePath, WithSQLiteRetention(cfg.Retention))
		if err != nil {
			return nil, nil, err
		}
		return s, NewMemoryLock(cfg.LockSize, cfg.LockTTL), nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}
