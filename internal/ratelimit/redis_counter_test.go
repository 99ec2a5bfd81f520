//go:build integration

package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rutaquest/visitguard/internal/idgen"
)

func newRedisCounter(t *testing.T) *RedisCounter {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())

	// unique prefix per test keeps runs independent
	return NewRedisCounter(client, "vgtest:"+idgen.Hex(4)+":")
}

func TestRedisCounter_SlidingWindow(t *testing.T) {
	c := newRedisCounter(t)
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 3; i++ {
		n, err := c.Hit(ctx, "u1", time.Minute, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), n)
	}

	n, err := c.Hit(ctx, "u1", time.Minute, base.Add(61*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestRedisCounter_SameInstantCountsTwice(t *testing.T) {
	c := newRedisCounter(t)
	ctx := context.Background()
	now := time.Now()

	_, err := c.Hit(ctx, "u1", time.Minute, now)
	require.NoError(t, err)
	n, err := c.Hit(ctx, "u1", time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestRedisCounter_IncrAndBan(t *testing.T) {
	c := newRedisCounter(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		n, err := c.Incr(ctx, "violations:u1", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(i), n)
	}

	d, err := c.BanRemaining(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, d)

	require.NoError(t, c.Ban(ctx, "u1", time.Hour))
	d, err = c.BanRemaining(ctx, "u1")
	require.NoError(t, err)
	assert.InDelta(t, time.Hour.Seconds(), d.Seconds(), 5)
}
