package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const fingerprintKeyPrefix = "relay:fp:"

// RedisWindow shares the dedup window across server instances. Entries expire after ttl;
// there is no per-scope count bound.
type RedisWindow struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisWindow creates a Redis-backed fingerprint window.
func NewRedisWindow(client *redis.Client, ttl time.Duration) *RedisWindow {
	if ttl <= 0 {
		ttl = DefaultWindowTTL
	}
	return &RedisWindow{client: client, ttl: ttl}
}

func fingerprintKey(scopeID uuid.UUID, fp string) string {
	return fingerprintKeyPrefix + scopeID.String() + ":" + fp
}

func (w *RedisWindow) Observe(ctx context.Context, scopeID uuid.UUID, fp string) (bool, error) {
	first, err := w.client.SetNX(ctx, fingerprintKey(scopeID, fp), 1, w.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("observe fingerprint: %w", err)
	}
	return first, nil
}

func (w *RedisWindow) Forget(ctx context.Context, scopeID uuid.UUID, fp string) error {
	if err := w.client.Del(ctx, fingerprintKey(scopeID, fp)).Err(); err != nil {
		return fmt.Errorf("forget fingerprint: %w", err)
	}
	return nil
}
