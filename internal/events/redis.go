package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher fans events out over Redis pub/sub, one PUBLISH per
// channel the event belongs to.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

// NewRedisPublisher connects to the Redis server at addr. prefix is
// prepended to every channel name.
func NewRedisPublisher(addr, prefix string) *RedisPublisher {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: "", // No password by default
		DB:       0,
	})
	return &RedisPublisher{client: client, prefix: prefix}
}

// Ping checks the connection
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	pipe := p.client.Pipeline()
	for _, ch := range ev.Channels() {
		pipe.Publish(ctx, p.prefix+ch, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
