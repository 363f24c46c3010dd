package api

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const idempotencyKeyPrefix = "idem:"

// RedisDeduper stores create idempotency keys in Redis so every instance
// rejects the same replayed request.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(principal, key string) string {
	return idempotencyKeyPrefix + principal + ":" + key
}

// Add records the key if it does not already exist. It returns true when the
// key was newly added.
func (r *RedisDeduper) Add(ctx context.Context, principal, key string) (bool, error) {
	return r.client.SetNX(ctx, r.key(principal, key), 1, r.ttl).Result()
}

// Remove forgets a key so the client may retry after a failed create.
func (r *RedisDeduper) Remove(ctx context.Context, principal, key string) error {
	return r.client.Del(ctx, r.key(principal, key)).Err()
}
