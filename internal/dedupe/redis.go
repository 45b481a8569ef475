package dedupe

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisMirror publishes dedup counts under per-task-scoped keys
// (task:<id>:dedup:<agent>:<tool>:<query>) with a TTL equal to the per-task
// timeout, for operators running many pool instances across processes who
// want cross-process visibility into duplicate-query metrics. It never
// feeds back into a running task's guard decisions (spec.md §11), grounded
// on the teacher's internal/orchestrator/dedupe.go RedisDedupeStore.
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisMirror dials addr and validates the connection with a ping.
func NewRedisMirror(addr string, ttl time.Duration) (*RedisMirror, error) {
	c := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("dedupe: redis ping failed: %w", err)
	}
	return &RedisMirror{client: c, ttl: ttl}, nil
}

func (m *RedisMirror) Publish(ctx context.Context, taskID, agent, tool, query string, count int) {
	key := fmt.Sprintf("task:%s:dedup:%s:%s:%s", taskID, agent, tool, query)
	_ = m.client.Set(ctx, key, strconv.Itoa(count), m.ttl).Err()
}

func (m *RedisMirror) Close() error {
	return m.client.Close()
}

var _ Mirror = (*RedisMirror)(nil)
