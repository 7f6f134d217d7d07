package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStreamPublisher appends approval events to a Redis stream so
// consumers can replay them with XREAD or consumer groups.
type RedisStreamPublisher struct {
	rdb    redis.Cmdable
	stream string
	maxLen int64
}

// NewRedisStreamPublisher creates a publisher writing to stream. A positive
// maxLen caps the stream length approximately.
func NewRedisStreamPublisher(rdb redis.Cmdable, stream string, maxLen int64) *RedisStreamPublisher {
	return &RedisStreamPublisher{rdb: rdb, stream: stream, maxLen: maxLen}
}

// PublishEvent adds ev to the stream.
func (p *RedisStreamPublisher) PublishEvent(ctx context.Context, ev *NotificationEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal notification event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"event_type":  ev.EventType,
			"resource_id": ev.ResourceID,
			"data":        string(data),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	if err := p.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return rdb, nil
}
