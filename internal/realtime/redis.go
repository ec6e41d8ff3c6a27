package realtime

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisTransport receives broadcasts from a Redis pub/sub channel. It is
// used where the server fans change events out through Redis instead of a
// hosted realtime service.
type RedisTransport struct {
	client  redis.UniversalClient
	channel string
	logger  *zap.Logger
}

// NewRedisClient parses url and checks the server is reachable.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// NewRedisTransport creates a transport subscribed to channel.
func NewRedisTransport(client redis.UniversalClient, channel string, logger *zap.Logger) *RedisTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisTransport{client: client, channel: channel, logger: logger.Named("redis")}
}

// Listen implements Transport.
func (r *RedisTransport) Listen(ctx context.Context, handle func([]byte)) error {
	ps := r.client.Subscribe(ctx, r.channel)
	defer func() { _ = ps.Close() }()

	// Wait for the subscription to be confirmed so errors surface here.
	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: failed to subscribe to %s: %w", ErrNotSubscribed, r.channel, err)
	}
	r.logger.Debug("subscribed", zap.String("channel", r.channel))

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis channel %s closed", r.channel)
			}
			handle([]byte(msg.Payload))
		}
	}
}
