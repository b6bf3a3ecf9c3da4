package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig - параметры подключения к Redis.
type RedisConfig struct {
	Addr       string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password   string        `envconfig:"REDIS_PASSWORD" default:""`
	DB         int           `envconfig:"REDIS_DB" default:"0"`
	MaxRetries int           `envconfig:"REDIS_CONNECT_RETRIES" default:"30"`
	RetryDelay time.Duration `envconfig:"REDIS_CONNECT_RETRY_DELAY" default:"3s"`
	PoolSize   int           `envconfig:"REDIS_POOL_SIZE" default:"20"`
}

// NewRedisClient подключается к Redis, повторяя ping, пока Redis не станет доступен
// или не закончатся попытки.
func NewRedisClient(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	log := logger.Named("Redis")
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}
	log.Info("Connecting to Redis", zap.String("address", opts.Addr), zap.Int("db", opts.DB), zap.Int("max_retries", maxRetries))

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		client := redis.NewClient(opts)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			log.Info("Connected to Redis", zap.Int("attempt", attempt))
			return client, nil
		}

		_ = client.Close()
		lastErr = fmt.Errorf("unable to ping redis (attempt %d/%d): %w", attempt, maxRetries, err)
		log.Warn("Redis ping failed, retrying...", zap.Int("attempt", attempt), zap.Error(err))

		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(cfg.RetryDelay):
			}
		}
	}
	return nil, lastErr
}
