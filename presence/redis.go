package presence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "replykit:presence:"

// RedisTracker stores heartbeats as TTL'd Redis keys, so liveness survives
// process restarts and holds up when the heartbeat POST and the status GET
// land on different server instances behind a load balancer.
type RedisTracker struct {
	client    redis.UniversalClient
	threshold time.Duration
}

// NewRedisTracker creates a Redis-backed tracker on an existing client.
// A non-positive threshold uses DefaultThreshold.
func NewRedisTracker(client redis.UniversalClient, threshold time.Duration) (*RedisTracker, error) {
	if client == nil {
		return nil, errors.New("presence: redis client is nil")
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &RedisTracker{client: client, threshold: threshold}, nil
}

// Touch records a heartbeat: the key's TTL is the liveness threshold, so
// expiry and inactivity coincide.
func (t *RedisTracker) Touch(ctx context.Context, ownerID string) error {
	if err := t.client.Set(ctx, redisKeyPrefix+ownerID, time.Now().UTC().Format(time.RFC3339Nano), t.threshold).Err(); err != nil {
		return fmt.Errorf("presence: record heartbeat: %w", err)
	}
	return nil
}

// Active reports whether the owner's heartbeat key still exists.
func (t *RedisTracker) Active(ctx context.Context, ownerID string) (bool, error) {
	n, err := t.client.Exists(ctx, redisKeyPrefix+ownerID).Result()
	if err != nil {
		return false, fmt.Errorf("presence: check heartbeat: %w", err)
	}
	return n > 0, nil
}

// Owners scans for live heartbeat keys.
func (t *RedisTracker) Owners(ctx context.Context) ([]string, error) {
	var owners []string
	iter := t.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		owners = append(owners, strings.TrimPrefix(iter.Val(), redisKeyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("presence: scan heartbeats: %w", err)
	}
	return owners, nil
}

var _ Tracker = (*RedisTracker)(nil)
