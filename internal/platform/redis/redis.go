package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"gopherrag/internal/config"
)

// New connects to the cache server described by cfg and pings it. Zero timeouts and pool
// sizes fall back to the go-redis defaults.
func New(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  millis(cfg.DialTimeoutMs),
		ReadTimeout:  millis(cfg.ReadTimeoutMs),
		WriteTimeout: millis(cfg.WriteTimeoutMs),
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s failed: %w", cfg.Addr, err)
	}

	return client, nil
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
