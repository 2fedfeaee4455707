package clients

import (
	"context"
	"fmt"
	"log"
	"time"

	"deposit-engine/internal/config"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient connects and pings the lease table backend
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	timeout := 5 * time.Second
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s failed: %w", cfg.Addr, err)
	}
	log.Printf("✅ Redis connected: %s (db %d)", cfg.Addr, cfg.DB)
	return client, nil
}
