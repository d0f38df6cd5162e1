package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const dedupKeyPrefix = "payments:webhook:"

// RedisDeduper remembers processed gateway event ids for a while so that
// redelivered webhooks are acknowledged without being applied again.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (d *RedisDeduper) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := d.client.Exists(ctx, dedupKeyPrefix+eventID).Result()
	if err != nil {
		return false, fmt.Errorf("check webhook event %s: %w", eventID, err)
	}
	return n > 0, nil
}

func (d *RedisDeduper) Mark(ctx context.Context, eventID string) error {
	if err := d.client.Set(ctx, dedupKeyPrefix+eventID, time.Now().UTC().Format(time.RFC3339), d.ttl).Err(); err != nil {
		return fmt.Errorf("mark webhook event %s: %w", eventID, err)
	}
	return nil
}
