package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/croftd/croft/internal/model"
)

// RedisNotifier publishes notifications on Redis pub/sub channels named
// after the topic.
type RedisNotifier struct {
	client *redis.Client
	logger zerolog.Logger
}

// RedisConfig holds the transport connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisNotifier connects to Redis and verifies the connection.
func NewRedisNotifier(cfg RedisConfig, logger zerolog.Logger) (*RedisNotifier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	l := logger.With().Str("component", "notify").Logger()
	l.Info().Str("event", "notify.connected").Str("addr", cfg.Addr).Msg("connected to notification transport")

	return &RedisNotifier{client: client, logger: l}, nil
}

// Publish sends the lease document on the topic channel. Failures are
// logged and swallowed; notifications are best effort.
func (n *RedisNotifier) Publish(ctx context.Context, topic string, lease *model.Lease) {
	body, err := payload(lease)
	if err != nil {
		n.logger.Warn().Err(err).Str("topic", topic).Msg("notification encode failed")
		return
	}

	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := n.client.Publish(pctx, topic, body).Err(); err != nil {
		n.logger.Warn().
			Err(err).
			Str("event", "notify.publish_failed").
			Str("topic", topic).
			Str("lease_id", lease.ID).
			Msg("notification publish failed")
		return
	}
	n.logger.Debug().
		Str("event", "notify.published").
		Str("topic", topic).
		Str("lease_id", lease.ID).
		Msg("notification published")
}

// Close releases the Redis client.
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}
