// Package ratelimit limits scans per client.
//
// The backend is a sliding window kept in a Redis sorted set. When Redis is not
// configured the service runs an explicit fail-open limiter instead, and a
// Redis error at request time also lets the request through.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultKeyPrefix = "scanly:rl:"

// Result describes the limiter state for one key after a check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter decides whether a request identified by key may proceed.
// An error means the backend failed; the returned Result is still usable.
type Limiter interface {
	Check(ctx context.Context, key string) (Result, error)
}

// Config holds the window parameters.
type Config struct {
	Limit  int
	Window time.Duration
}

// New returns a Redis limiter when client is set, and AllowAll otherwise.
func New(cfg Config, client *redis.Client, log *zap.Logger) Limiter {
	if client == nil {
		log.Warn("Redis not configured, rate limiting disabled (fail-open)")
		return AllowAll{Limit: cfg.Limit}
	}
	l := NewRedisLimiter(client, cfg)
	l.log = log
	return l
}

// AllowAll admits every request.
type AllowAll struct {
	Limit int
}

func (a AllowAll) Check(context.Context, string) (Result, error) {
	return Result{Allowed: true, Limit: a.Limit, Remaining: a.Limit}, nil
}

// RedisLimiter is a sliding-window limiter over a Redis sorted set. Each
// admitted request adds one member scored by its timestamp in milliseconds.
type RedisLimiter struct {
	client redis.Cmdable
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
	log    *zap.Logger
}

// NewRedisLimiter creates a sliding-window limiter.
func NewRedisLimiter(client redis.Cmdable, cfg Config) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		limit:  cfg.Limit,
		window: cfg.Window,
		prefix: defaultKeyPrefix,
		now:    time.Now,
		log:    zap.NewNop(),
	}
}

// Check records the request and reports whether it fits in the window.
// Rejected requests are not kept in the window.
func (l *RedisLimiter) Check(ctx context.Context, key string) (Result, error) {
	now := l.now()
	nowMs := now.UnixMilli()
	windowStart := nowMs - l.window.Milliseconds()
	redisKey := l.prefix + key
	member := uuid.NewString()

	var (
		card   *redis.IntCmd
		oldest *redis.ZSliceCmd
	)
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, redisKey, "-inf", "("+strconv.FormatInt(windowStart, 10))
		pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(nowMs), Member: member})
		card = pipe.ZCard(ctx, redisKey)
		oldest = pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
		pipe.PExpire(ctx, redisKey, l.window)
		return nil
	})
	if err != nil {
		return Result{Allowed: true, Limit: l.limit, Remaining: l.limit, ResetAt: now.Add(l.window)}, fmt.Errorf("rate limit check: %w", err)
	}

	count := int(card.Val())
	resetAt := now.Add(l.window)
	if zs := oldest.Val(); len(zs) > 0 {
		resetAt = time.UnixMilli(int64(zs[0].Score)).Add(l.window)
	}

	if count > l.limit {
		// The request is over the limit either way. A member left behind
		// expires with the key.
		if err := l.client.ZRem(ctx, redisKey, member).Err(); err != nil {
			l.log.Warn("Failed to roll back rejected request", zap.String("key", key), zap.Error(err))
		}
		return Result{Allowed: false, Limit: l.limit, Remaining: 0, ResetAt: resetAt}, nil
	}

	return Result{Allowed: true, Limit: l.limit, Remaining: l.limit - count, ResetAt: resetAt}, nil
}
