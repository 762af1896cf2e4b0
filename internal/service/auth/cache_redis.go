package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jrammler/httprun/internal/config"
)

const redisKeyPrefix = "httprun:verified:"

// RedisCache shares verification results between gateway instances.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(cfg config.CacheConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisCache{client: client, ttl: cfg.VerifyTTL}, nil
}

func (c *RedisCache) Contains(ctx context.Context, key string) bool {
	n, err := c.client.Exists(ctx, redisKeyPrefix+key).Result()
	if err != nil {
		slog.WarnContext(ctx, "Reading verification cache failed", "error", err)
		return false
	}
	return n > 0
}

func (c *RedisCache) Add(ctx context.Context, key string) {
	if c.ttl <= 0 {
		return
	}
	if err := c.client.Set(ctx, redisKeyPrefix+key, 1, c.ttl).Err(); err != nil {
		slog.WarnContext(ctx, "Writing verification cache failed", "error", err)
	}
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
