package notify

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// RedisPublisher relays topics to Redis channels named <prefix>:notify:<topic>
// so the marketplace API process can forward them.
type RedisPublisher struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisPublisher(client *redis.Client, keyPrefix string) *RedisPublisher {
	if keyPrefix == "" {
		keyPrefix = "escrow"
	}
	return &RedisPublisher{client: client, keyPrefix: keyPrefix}
}

// Channel returns the Redis channel for topic.
func (p *RedisPublisher) Channel(topic string) string {
	return p.keyPrefix + ":notify:" + topic
}

func (p *RedisPublisher) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		record("redis", "error")
		return err
	}
	if err := p.client.Publish(ctx, p.Channel(topic), data).Err(); err != nil {
		record("redis", "error")
		return fmt.Errorf("failed to publish %s: %w", topic, err)
	}
	record("redis", "sent")
	return nil
}
