package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps entries in Redis under "<prefix>:<namespace>:<key>".
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to url and verifies the connection.
func NewRedisStore(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisStoreFromClient(client, prefix), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "webgrab"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) redisKey(namespace, key string) string {
	return s.prefix + ":" + namespace + ":" + key
}

func (s *RedisStore) Match(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, s.redisKey(namespace, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (s *RedisStore) Put(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, s.redisKey(namespace, key), value, ttl).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
