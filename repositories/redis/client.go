// Package redis stores operation locks in Redis as an alternative to the
// operation_locks table.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/upb/governance-core/config"
	"go.uber.org/zap"
)

const (
	dialTimeout  = 3 * time.Second
	ioTimeout    = 2 * time.Second
	poolSize     = 20
	pingTimeout  = 2 * time.Second
	maxIdleTime  = 5 * time.Minute
	maxConnLife  = 30 * time.Minute
	poolWaitTime = 4 * time.Second
)

// Open creates a client for cfg and checks connectivity with PING
func Open(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*goredis.Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		DialTimeout:     dialTimeout,
		ReadTimeout:     ioTimeout,
		WriteTimeout:    ioTimeout,
		PoolSize:        poolSize,
		PoolTimeout:     poolWaitTime,
		ConnMaxIdleTime: maxIdleTime,
		ConnMaxLifetime: maxConnLife,
	})

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logger.Info("redis connection established", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return rdb, nil
}

// Ping returns a health probe for rdb
func Ping(rdb *goredis.Client) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
}
