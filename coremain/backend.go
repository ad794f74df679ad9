package coremain

import (
	"context"
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pmkol/qcache/pkg/cache"
	"github.com/pmkol/qcache/pkg/cache/pg_backend"
	"github.com/pmkol/qcache/pkg/cache/redis_backend"
	"github.com/pmkol/qcache/pkg/cache/sqlite_backend"
)

// newBackend opens the persistence backend of cfg. It returns nil if no
// backend is configured.
func newBackend(ctx context.Context, cfg *BackendConfig, lg *zap.Logger) (cache.Backend, error) {
	switch cfg.Type {
	case backendNone:
		return nil, nil

	case backendRedis:
		opt, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url, %w", err)
		}
		opt.MaxRetries = -1
		c := redis.NewClient(opt)
		b, err := redis_backend.NewRedisBackend(redis_backend.RedisBackendOpts{
			Client:        c,
			ClientCloser:  c,
			ClientTimeout: cfg.timeout(),
			Logger:        lg.Named("redis"),
		})
		if err != nil {
			c.Close()
			return nil, err
		}
		return b, nil

	case backendSqlite:
		db, err := gorm.Open(sqlite.Open(cfg.URL), &gorm.Config{
			Logger: logger.Discard,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite db, %w", err)
		}
		return sqlite_backend.New(sqlite_backend.Opts{DB: db, CloseDB: true})

	case backendPostgres:
		pool, err := pgxpool.New(ctx, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres pool, %w", err)
		}
		b, err := pg_backend.New(ctx, pg_backend.Opts{DB: pool, Table: cfg.Table, Closer: pool.Close})
		if err != nil {
			pool.Close()
			return nil, err
		}
		return b, nil

	default:
		return nil, fmt.Errorf("unknown cache backend type %s", cfg.Type)
	}
}
