package rate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "loyalty:rl:"

// recordTTL outlives the daily counter so a record survives until its last
// reset point has passed.
const recordTTL = 25 * time.Hour

// RedisStore is the shared backing store for limiter records when redis is
// configured. It implements Store.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) SaveRecord(ctx context.Context, rec *Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal rate limit record: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+rec.Key, payload, recordTTL).Err(); err != nil {
		return fmt.Errorf("save rate limit record: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadRecord(ctx context.Context, key string) (*Record, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load rate limit record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode rate limit record: %w", err)
	}
	return &rec, nil
}
