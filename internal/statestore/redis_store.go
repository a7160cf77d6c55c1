package statestore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ai-privacy-router/internal/logger"
)

// RedisStore is a StateStore backed by Redis, for deployments running more
// than one router instance behind a shared request record store. TTL is
// delegated to Redis's own key expiry (SetEx) rather than an envelope, since
// Redis already tracks it natively.
type RedisStore struct {
	client *redis.Client
	prefix string
	log    *logger.Logger
}

// NewRedisStore connects to addr and returns a RedisStore. Keys are
// namespaced under prefix (e.g. "router:") to avoid collisions with other
// applications sharing the same Redis instance.
func NewRedisStore(addr, prefix string, log *logger.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %q: %w", addr, err)
	}

	log.Infof("connect", "redis state store connected at %s", addr)
	return &RedisStore{client: client, prefix: prefix, log: log}, nil
}

func (s *RedisStore) key(k string) string { return s.prefix + k }

func (s *RedisStore) Put(key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Get(key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	value, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}
	return value, true, nil
}

func (s *RedisStore) Delete(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
