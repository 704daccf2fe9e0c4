package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/annel0/voxel-world/internal/logging"
)

// RedisCache реализует BlobCache поверх Redis.
// Используется когда несколько узлов делят один горячий кеш кубов.
type RedisCache struct {
	client *redis.Client
}

// RedisConfig — параметры подключения к Redis
type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

// NewRedisCache подключается к Redis и проверяет соединение
func NewRedisCache(cfg RedisConfig) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.URL,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logging.Info("Redis cache initialized: %s", cfg.URL)
	return &RedisCache{client: rdb}, nil
}

// Get читает запись; redis.Nil трактуется как промах
func (rc *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := rc.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return data, true, nil
}

// Put сохраняет запись с TTL
func (rc *RedisCache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := rc.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete удаляет запись
func (rc *RedisCache) Delete(ctx context.Context, key string) error {
	if err := rc.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Close закрывает клиент Redis
func (rc *RedisCache) Close() error {
	return rc.client.Close()
}
