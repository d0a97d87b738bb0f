package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrEmptyRedisAddress is returned when Redis is not configured.
var ErrEmptyRedisAddress = errors.New("redis address is required")

// redisPingTimeout is the timeout for verifying the Redis connection.
const redisPingTimeout = 5 * time.Second

// ConnectRedis creates a Redis client and verifies it with a PING.
func ConnectRedis(address, password string, db int) (*redis.Client, error) {
	if address == "" {
		return nil, ErrEmptyRedisAddress
	}

	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}
