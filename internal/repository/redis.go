package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"trialsync/internal/config"
	"trialsync/internal/models"
	"trialsync/internal/syncerr"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "trialsync:"

// RedisStore is a DurableStore kept in Redis. Entries never expire in Redis:
// the TTL is a validity window, and stale values are still served while
// they are revalidated.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisClient builds a Redis client from configuration.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) Get(ctx context.Context, key string) (*models.StoredValue, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil: %w", syncerr.ErrStorage)
	}
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s from redis: %w", key, errors.Join(syncerr.ErrStorage, err))
	}

	var val models.StoredValue
	if err := json.Unmarshal(raw, &val); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", key, errors.Join(syncerr.ErrStorage, err))
	}
	return &val, nil
}

func (r *RedisStore) Set(ctx context.Context, value *models.StoredValue) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil: %w", syncerr.ErrStorage)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", value.Key, err)
	}
	if err := r.client.Set(ctx, r.prefix+value.Key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s in redis: %w", value.Key, errors.Join(syncerr.ErrStorage, err))
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil: %w", syncerr.ErrStorage)
	}
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete %s from redis: %w", key, errors.Join(syncerr.ErrStorage, err))
	}
	return nil
}

func (r *RedisStore) GetAll(ctx context.Context) ([]*models.StoredValue, error) {
	keys, err := r.keys(ctx)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	raws, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to mget from redis: %w", errors.Join(syncerr.ErrStorage, err))
	}

	out := make([]*models.StoredValue, 0, len(raws))
	for _, raw := range raws {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		var val models.StoredValue
		if err := json.Unmarshal([]byte(s), &val); err != nil {
			return nil, fmt.Errorf("failed to unmarshal stored value: %w", errors.Join(syncerr.ErrStorage, err))
		}
		out = append(out, &val)
	}
	return out, nil
}

func (r *RedisStore) Clear(ctx context.Context) error {
	keys, err := r.keys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to clear redis store: %w", errors.Join(syncerr.ErrStorage, err))
	}
	return nil
}

func (r *RedisStore) keys(ctx context.Context) ([]string, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil: %w", syncerr.ErrStorage)
	}
	var keys []string
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan redis keys: %w", errors.Join(syncerr.ErrStorage, err))
	}
	return keys, nil
}

// Ping проверяет соединение с Redis
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
