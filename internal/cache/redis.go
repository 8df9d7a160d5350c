package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Redis wraps the redis client used for cross-request bookkeeping.
type Redis struct {
	Client *redis.Client
}

// New creates a redis connection from a URL
func New(redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	log.Info().Msg("Redis connection established")
	return &Redis{Client: client}, nil
}

// Close closes the redis connection
func (r *Redis) Close() error {
	return r.Client.Close()
}

// MarkEventProcessed records a webhook event id with SETNX semantics.
// Returns true if this is the first delivery of the event within ttl.
// Webhook handlers are idempotent on their own; this guard just short-
// circuits the duplicate deliveries Stripe and Vapi are allowed to make.
func (r *Redis) MarkEventProcessed(ctx context.Context, source, eventID string, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("webhook:%s:%s", source, eventID)
	first, err := r.Client.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record webhook event: %w", err)
	}
	return first, nil
}
