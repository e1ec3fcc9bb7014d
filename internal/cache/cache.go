package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a thin key-value layer over redis with TTLs and tag-based bulk
// invalidation. Tags are redis sets holding the member keys.
type Cache struct {
	client *redis.Client
	prefix string
}

func New(client *redis.Client, prefix string) *Cache {
	if prefix == "" {
		prefix = "loyalty:cache:"
	}
	return &Cache{client: client, prefix: prefix}
}

func (c *Cache) Get(ctx context.Context, key string, dest any) (bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache get: %w", err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("cache decode: %w", err)
	}
	return true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration, tags ...string) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}

	for _, tag := range tags {
		tagKey := c.prefix + "tag:" + tag
		pipe := c.client.Pipeline()
		pipe.SAdd(ctx, tagKey, c.prefix+key)
		// The tag set must outlive its members or invalidation misses keys.
		pipe.Expire(ctx, tagKey, ttl+time.Minute)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("cache tag: %w", err)
		}
	}
	return nil
}

// InvalidateTag deletes every key registered under the tag, then the tag set.
func (c *Cache) InvalidateTag(ctx context.Context, tag string) error {
	tagKey := c.prefix + "tag:" + tag
	members, err := c.client.SMembers(ctx, tagKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("cache tag members: %w", err)
	}
	if len(members) > 0 {
		if err := c.client.Del(ctx, members...).Err(); err != nil {
			return fmt.Errorf("cache tag delete: %w", err)
		}
	}
	if err := c.client.Del(ctx, tagKey).Err(); err != nil {
		return fmt.Errorf("cache tag cleanup: %w", err)
	}
	return nil
}

// Once registers a value exactly once within the TTL. It returns false when
// the key was already present, which is how scan handlers detect nonce
// replay.
func (c *Cache) Once(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.prefix+"once:"+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cache once: %w", err)
	}
	return ok, nil
}
