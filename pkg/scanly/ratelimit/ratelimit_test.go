package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, s
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestLimiter(t *testing.T, limit int, window time.Duration) (*RedisLimiter, *clock, *miniredis.Miniredis) {
	t.Helper()
	client, s := setupRedis(t)
	clk := &clock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	l := NewRedisLimiter(client, Config{Limit: limit, Window: window})
	l.now = clk.now
	return l, clk, s
}

func TestRedisLimiter_AllowsUpToLimit(t *testing.T) {
	l, _, _ := newTestLimiter(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Check(ctx, "scan:1.2.3.4")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i+1)
		assert.Equal(t, 3-(i+1), res.Remaining)
		assert.Equal(t, 3, res.Limit)
	}

	res, err := l.Check(ctx, "scan:1.2.3.4")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
}

func TestRedisLimiter_KeysAreIndependent(t *testing.T) {
	l, _, _ := newTestLimiter(t, 1, time.Minute)
	ctx := context.Background()

	res, err := l.Check(ctx, "a")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = l.Check(ctx, "b")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = l.Check(ctx, "a")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestRedisLimiter_WindowSlides(t *testing.T) {
	l, clk, _ := newTestLimiter(t, 2, time.Minute)
	ctx := context.Background()
	start := clk.t

	_, err := l.Check(ctx, "k")
	require.NoError(t, err)
	clk.t = start.Add(30 * time.Second)
	_, err = l.Check(ctx, "k")
	require.NoError(t, err)

	res, err := l.Check(ctx, "k")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, start.Add(time.Minute).Unix(), res.ResetAt.Unix())

	// The first request leaves the window; one slot frees up.
	clk.t = start.Add(61 * time.Second)
	res, err = l.Check(ctx, "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
}

func TestRedisLimiter_RejectedRequestsAreNotCounted(t *testing.T) {
	l, _, s := newTestLimiter(t, 1, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Check(ctx, "k")
		require.NoError(t, err)
	}

	members, err := s.ZMembers(defaultKeyPrefix + "k")
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestRedisLimiter_FailsOpenOnBackendError(t *testing.T) {
	l, _, s := newTestLimiter(t, 1, time.Minute)
	s.Close()

	res, err := l.Check(context.Background(), "k")
	require.Error(t, err)
	assert.True(t, res.Allowed)
}

// failZRem fails every standalone ZREM and passes everything else through.
type failZRem struct{}

func (failZRem) DialHook(next redis.DialHook) redis.DialHook { return next }

func (failZRem) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if cmd.Name() == "zrem" {
			err := errors.New("READONLY You can't write against a read only replica")
			cmd.SetErr(err)
			return err
		}
		return next(ctx, cmd)
	}
}

func (failZRem) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestRedisLimiter_RollbackFailureStillDenies(t *testing.T) {
	client, _ := setupRedis(t)
	client.AddHook(failZRem{})
	core, logs := observer.New(zap.WarnLevel)
	l := New(Config{Limit: 1, Window: time.Minute}, client, zap.New(core))
	ctx := context.Background()

	res, err := l.Check(ctx, "k")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = l.Check(ctx, "k")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 1, logs.FilterMessage("Failed to roll back rejected request").Len())
}

func TestNew_SelectsMode(t *testing.T) {
	cfg := Config{Limit: 10, Window: time.Minute}

	l := New(cfg, nil, zap.NewNop())
	assert.IsType(t, AllowAll{}, l)

	client, _ := setupRedis(t)
	l = New(cfg, client, zap.NewNop())
	assert.IsType(t, &RedisLimiter{}, l)
}

func TestAllowAll(t *testing.T) {
	res, err := AllowAll{Limit: 5}.Check(context.Background(), "anything")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 5, res.Remaining)
}
