package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/phrazzld/genqueue/internal/config"
	"github.com/phrazzld/genqueue/internal/platform/redisstore"
	"github.com/phrazzld/genqueue/internal/platform/sqlstore"
	"github.com/phrazzld/genqueue/internal/queue"
)

// pinger is implemented by stores backed by a remote service.
type pinger interface {
	Ping(ctx context.Context) error
}

// openStore connects the job store selected by cfg. The returned close
// function releases its connections.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (queue.Store, func() error, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		logger.Warn("using the in-memory job store; jobs do not survive a restart")
		return queue.NewMemoryStore(), func() error { return nil }, nil

	case config.DriverSQLite, config.DriverPostgres:
		store, err := openSQLStore(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		if cfg.AutoMigrate {
			version, err := store.Migrate(ctx)
			if err != nil {
				_ = store.Close()
				return nil, nil, err
			}
			logger.Info("database schema up to date", "version", version)
		}
		return store, store.Close, nil

	case config.DriverRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		store := redisstore.New(rdb, cfg.RedisPrefix, logger)
		if err := store.Ping(ctx); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Info("redis connection established", "addr", cfg.RedisAddr)
		return store, rdb.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

// openSQLStore opens the SQL store for the sqlite and postgres drivers.
func openSQLStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (*sqlstore.Store, error) {
	dialect := sqlstore.DialectPostgres
	if cfg.Driver == config.DriverSQLite {
		dialect = sqlstore.DialectSQLite
	}

	store, err := sqlstore.Open(ctx, dialect, cfg.DSN, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("database connection established", "dialect", string(dialect))
	return store, nil
}
