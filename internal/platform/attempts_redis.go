package platform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	attemptKeyPrefix = "relay:attempt:"
	attemptPending   = "pending"
	attemptDelivered = "delivered"
)

// RedisAttemptGuard shares attempt ids across server instances.
type RedisAttemptGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisAttemptGuard creates a Redis-backed guard.
func NewRedisAttemptGuard(client *redis.Client, ttl time.Duration) *RedisAttemptGuard {
	if ttl <= 0 {
		ttl = DefaultAttemptTTL
	}
	return &RedisAttemptGuard{client: client, ttl: ttl}
}

func (g *RedisAttemptGuard) Begin(ctx context.Context, id string) (AttemptState, error) {
	key := attemptKeyPrefix + id
	claimed, err := g.client.SetNX(ctx, key, attemptPending, g.ttl).Result()
	if err != nil {
		return AttemptNew, fmt.Errorf("claim attempt: %w", err)
	}
	if claimed {
		return AttemptNew, nil
	}
	state, err := g.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Released between SETNX and GET; let the caller retry through the agent.
		return AttemptPending, nil
	}
	if err != nil {
		return AttemptNew, fmt.Errorf("read attempt: %w", err)
	}
	if state == attemptDelivered {
		return AttemptDelivered, nil
	}
	return AttemptPending, nil
}

func (g *RedisAttemptGuard) Complete(ctx context.Context, id string, delivered bool) error {
	key := attemptKeyPrefix + id
	if !delivered {
		return g.client.Del(ctx, key).Err()
	}
	return g.client.Set(ctx, key, attemptDelivered, redis.KeepTTL).Err()
}
