package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisBus publishes notifications as JSON on the tenant's pub/sub channel.
type RedisBus struct {
	client *redis.Client
}

// RedisOptions configures the connection of a RedisBus.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisBus connects to redis and checks the connection.
func NewRedisBus(ctx context.Context, opts RedisOptions) (*RedisBus, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("notify: redis: addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisBusWithClient(client), nil
}

// NewRedisBusWithClient wraps an existing client.
func NewRedisBusWithClient(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Publish(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		failed("redis")
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if err := b.client.Publish(ctx, n.Channel(), data).Err(); err != nil {
		failed("redis")
		return fmt.Errorf("failed to publish to %s: %w", n.Channel(), err)
	}
	return nil
}

// Close closes the redis client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
