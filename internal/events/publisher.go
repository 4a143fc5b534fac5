package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisPublisher fans outbox entries out over Redis pub/sub.
type RedisPublisher struct {
	client  redisPublisher
	channel string
}

// NewRedisPublisher publishes every envelope to channel.
func NewRedisPublisher(client redisPublisher, channel string) (*RedisPublisher, error) {
	if client == nil {
		return nil, errors.New("events: redis client required")
	}
	if channel == "" {
		return nil, errors.New("events: channel required")
	}
	return &RedisPublisher{client: client, channel: channel}, nil
}

// Handle publishes the stored envelope unchanged.
func (p *RedisPublisher) Handle(ctx context.Context, entry OutboxEntry) error {
	if err := p.client.Publish(ctx, p.channel, []byte(entry.Payload)).Err(); err != nil {
		return fmt.Errorf("events: publish %s: %w", entry.EventType, err)
	}
	return nil
}
