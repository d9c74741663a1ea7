package main

import (
	"context"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/logging"
	"github.com/zulandar/switchboard/internal/messaging"
	"gorm.io/gorm"
)

// connectFromConfig loads the config file and opens the configured store.
func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return cfg, gormDB, nil
}

// newLogger builds the process logger; w overrides stderr in tests.
func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	return logging.New(cfg.Log, w)
}

// newService wires the messaging service with the configured unread cache.
// The returned close func releases the redis client, if any.
func newService(ctx context.Context, cfg *config.Config, gormDB *gorm.DB, log zerolog.Logger) (*messaging.Service, func(), error) {
	opts := messaging.Opts{
		Logger:    log.With().Str("component", "messaging").Logger(),
		UnreadTTL: cfg.Unread.CacheTTL,
	}
	closeFn := func() {}

	if cfg.Unread.Backend == "redis" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Unread.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.Unread.RedisAddr, err)
		}
		opts.Cache = messaging.NewRedisCache(rdb)
		closeFn = func() { rdb.Close() }
	}

	svc, err := messaging.NewService(gormDB, opts)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return svc, closeFn, nil
}
