package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache shares the blob cache between processes on one device
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ BlobCache = (*RedisCache)(nil)

// NewRedisCache creates a cache whose keys all start with prefix
func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "blob:"
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) key(contentID string) string {
	return c.prefix + contentID
}

// Get retrieves a blob; a missing key is a miss, not an error
func (c *RedisCache) Get(ctx context.Context, contentID string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, c.key(contentID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get cached blob: %w", err)
	}
	return data, true, nil
}

// Set stores a blob
func (c *RedisCache) Set(ctx context.Context, contentID string, data []byte) error {
	if err := c.client.Set(ctx, c.key(contentID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache blob: %w", err)
	}
	return nil
}

// Clear deletes every key under the cache prefix
func (c *RedisCache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 256).Iterator()
	batch := make([]string, 0, 256)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := c.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("failed to clear blob cache: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan blob cache: %w", err)
	}
	if len(batch) > 0 {
		if err := c.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("failed to clear blob cache: %w", err)
		}
	}
	return nil
}
