package database

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sqlbench/api/internal/similarity"
)

// Redis wraps the Redis client that backs the score cache
type Redis struct {
	client *redis.Client
}

// NewRedis connects to redisURL and verifies the connection
func NewRedis(ctx context.Context, redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &Redis{client: client}, nil
}

// Client returns the underlying Redis client
func (r *Redis) Client() *redis.Client {
	return r.client
}

// ScoreCache returns a structural score cache stored in this Redis
func (r *Redis) ScoreCache(ttl time.Duration) *similarity.RedisScoreCache {
	return similarity.NewRedisScoreCache(r.client, ttl)
}

// Ping checks the Redis connection
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (r *Redis) Close() error {
	return r.client.Close()
}
