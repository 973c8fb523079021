// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package ephemeral

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Addrs    []string
	Password string
	DB       int
	Cluster  bool

	// Prefix namespaces every key, e.g. "warden".
	Prefix string
}

// RedisStore is a Store shared between service instances. Take uses GETDEL
// so consumption is atomic across instances.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore connects to Redis as described by cfg.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if len(cfg.Addrs) == 0 {
		return nil, oops.Code("EPHEMERAL_CONFIG_INVALID").Errorf("at least one redis address is required")
	}

	var client redis.UniversalClient
	if cfg.Cluster && len(cfg.Addrs) > 1 {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    cfg.Addrs,
			Password: cfg.Password,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Addrs[0],
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	}
	return NewRedisStoreFromClient(client, cfg.Prefix), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return oops.Code("EPHEMERAL_UNAVAILABLE").Wrap(err)
	}
	return nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return oops.Code("EPHEMERAL_INVALID_TTL").With("key", key).Errorf("ttl must be positive")
	}
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return oops.Code("EPHEMERAL_PUT_FAILED").With("key", key).Wrap(err)
	}
	return nil
}

// Take implements Store.
func (s *RedisStore) Take(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.GetDel(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, oops.Code("EPHEMERAL_TAKE_FAILED").With("key", key).Wrap(err)
	}
	return value, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return oops.Code("EPHEMERAL_DELETE_FAILED").With("key", key).Wrap(err)
	}
	return nil
}

// Close releases the client's connections.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
