// Package redis is a cache.Store backed by Redis. The cache-server command
// uses it as its persistent backend.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/otamoon/portfolio/cache"
)

// DefaultTTL applies when Set is called with a non-positive ttl.
const DefaultTTL = 10 * time.Minute

// Store keeps values under prefix:key with a Redis expiry.
type Store struct {
	client     goredis.UniversalClient
	prefix     string
	defaultTTL time.Duration
}

var _ cache.Store = (*Store)(nil)

// New wraps client. An empty prefix stores keys unchanged.
func New(client goredis.UniversalClient, prefix string, defaultTTL time.Duration) *Store {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Store{client: client, prefix: prefix, defaultTTL: defaultTTL}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, cache.ErrEmptyKey
	}
	val, err := s.client.Get(ctx, s.fullKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}
	return val, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return cache.ErrEmptyKey
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if err := s.client.Set(ctx, s.fullKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if key == "" {
		return cache.ErrEmptyKey
	}
	if err := s.client.Del(ctx, s.fullKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// Ping reports whether Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) fullKey(key string) string {
	if s.prefix != "" {
		return s.prefix + ":" + key
	}
	return key
}
