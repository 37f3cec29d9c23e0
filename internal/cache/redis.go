package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const scanBatch = 100

// redisStore implements Cache on a shared redis server. Expiry is native to
// redis, so a read after TTL is always a miss and no sweep loop is needed.
type redisStore struct {
	client     *redis.Client
	namespace  string
	defaultTTL time.Duration
}

func newRedisStore(client *redis.Client, namespace string, defaultTTL time.Duration) *redisStore {
	return &redisStore{
		client:     client,
		namespace:  namespace,
		defaultTTL: defaultTTL,
	}
}

func (s *redisStore) key(k string) string {
	return s.namespace + k
}

// Get implements Cache.
func (s *redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

// Set implements Cache.
func (s *redisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete implements Cache.
func (s *redisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// DeleteByPrefix implements Cache using SCAN so the server is never blocked by KEYS.
func (s *redisStore) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	match := globEscape(s.key(prefix)) + "*"
	iter := s.client.Scan(ctx, 0, match, scanBatch).Iterator()

	removed := 0
	batch := make([]string, 0, scanBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := s.client.Del(ctx, batch...).Result()
		if err != nil {
			return err
		}
		removed += int(n)
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := flush(); err != nil {
				return removed, fmt.Errorf("redis delete prefix %s: %w", prefix, err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("redis scan prefix %s: %w", prefix, err)
	}
	if err := flush(); err != nil {
		return removed, fmt.Errorf("redis delete prefix %s: %w", prefix, err)
	}
	return removed, nil
}

// Close implements Cache.
func (s *redisStore) Close() error {
	return s.client.Close()
}
