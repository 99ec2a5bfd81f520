package health

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthy(context.Context) Status { return Status{Healthy: true} }

func TestCheckAll_EmptyRegistryIsHealthy(t *testing.T) {
	ok, statuses := NewRegistry().CheckAll(context.Background())
	assert.True(t, ok)
	assert.Empty(t, statuses)
}

func TestCheckAll_AggregatesInRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	r.Register("postgres", healthy)
	r.Register("redis", func(context.Context) Status {
		return Status{Healthy: false, Detail: "dial tcp: connection refused"}
	})

	ok, statuses := r.CheckAll(context.Background())
	assert.False(t, ok)
	require.Len(t, statuses, 2)
	assert.Equal(t, "postgres", statuses[0].Name)
	assert.True(t, statuses[0].Healthy)
	assert.Equal(t, "redis", statuses[1].Name)
	assert.Equal(t, "dial tcp: connection refused", statuses[1].Detail)
}

func TestCheckAll_SlowCheckerIsBounded(t *testing.T) {
	r := NewRegistry()
	r.timeout = 20 * time.Millisecond
	r.Register("challenge-store", func(ctx context.Context) Status {
		<-ctx.Done()
		return Status{Detail: ctx.Err().Error()}
	})

	start := time.Now()
	ok, statuses := r.CheckAll(context.Background())
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, context.DeadlineExceeded.Error(), statuses[0].Detail)
}

func TestRedis_Unreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer func() { _ = client.Close() }()

	st := Redis(client)(context.Background())
	assert.False(t, st.Healthy)
	assert.NotEmpty(t, st.Detail)
}
