package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/creastat/infra/telemetry"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis bus configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Depth is the buffer size of each subscription
	Depth int

	Logger telemetry.Logger
}

// Redis carries topics over Redis PUBLISH/SUBSCRIBE using the topic as channel name
type Redis struct {
	client *redis.Client
	config RedisConfig
}

// NewRedis creates a Redis bus
func NewRedis(config RedisConfig) *Redis {
	if config.Depth < 1 {
		config.Depth = 1
	}
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     config.Addr,
			Password: config.Password,
			DB:       config.DB,
		}),
		config: config,
	}
}

// Ping checks the connection
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Publish implements Publisher
func (r *Redis) Publish(ctx context.Context, topic string, body []byte) error {
	if err := r.client.Publish(ctx, topic, body).Err(); err != nil {
		return fmt.Errorf("redis publish %q: %w", topic, err)
	}
	return nil
}

// Subscribe implements Subscriber
func (r *Redis) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	sub := r.client.Subscribe(ctx, topic)

	// wait for the subscription confirmation so nothing published after
	// Subscribe returns is missed
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("redis subscribe %q: %w", topic, err)
	}

	msgs := sub.Channel(redis.WithChannelSize(r.config.Depth))
	out := make(chan []byte)

	go func() {
		defer close(out)
		defer sub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					r.config.Logger.Warn("Redis subscription closed", telemetry.String("topic", topic))
					return
				}
				select {
				case <-ctx.Done():
					return
				case out <- []byte(msg.Payload):
				}
			}
		}
	}()

	return out, nil
}

// SaveSnapshot stores body under key without expiry
func (r *Redis) SaveSnapshot(ctx context.Context, key string, body []byte) error {
	if err := r.client.Set(ctx, key, body, 0).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// LoadSnapshot returns the body stored under key, or nil when there is none
func (r *Redis) LoadSnapshot(ctx context.Context, key string) ([]byte, error) {
	body, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}
	return body, nil
}

// Close closes the client
func (r *Redis) Close() error {
	return r.client.Close()
}
