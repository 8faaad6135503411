package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forumvine/linkresolver/internal/resolver"
)

// RedisSink keeps the latest snapshot in Redis so external dashboards can
// poll run state without hitting the service.
type RedisSink struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisSink initializes a Redis-backed sink writing to a single key.
func NewRedisSink(addr, key string, ttl time.Duration) *RedisSink {
	return &RedisSink{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		key:    key,
		ttl:    ttl,
	}
}

// Publish writes the snapshot to Redis as JSON.
func (s *RedisSink) Publish(ctx context.Context, snap resolver.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.key, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("set status key: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisSink) Close(context.Context) error {
	return s.client.Close()
}
