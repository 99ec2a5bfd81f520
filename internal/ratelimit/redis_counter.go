package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rutaquest/visitguard/internal/idgen"
)

// incrWithTTL sets the expiry only when the counter is created, so a steady
// trickle of violations cannot keep a counter alive forever.
var incrWithTTL = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// RedisCounter implements Counter on Redis so limits hold across replicas.
// Sliding windows are sorted sets scored by event time in milliseconds.
type RedisCounter struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCounter creates a Redis-backed counter. Keys are namespaced under
// prefix (e.g. "vg:").
func NewRedisCounter(client redis.UniversalClient, prefix string) *RedisCounter {
	return &RedisCounter{client: client, prefix: prefix}
}

func (r *RedisCounter) key(k string) string { return r.prefix + k }

func (r *RedisCounter) Hit(ctx context.Context, key string, window time.Duration, now time.Time) (int64, error) {
	k := r.key("win:" + key)
	nowMs := now.UnixMilli()
	cutoff := nowMs - window.Milliseconds()
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + idgen.Hex(4)

	var card *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, k, "-inf", strconv.FormatInt(cutoff, 10))
		pipe.ZAdd(ctx, k, redis.Z{Score: float64(nowMs), Member: member})
		card = pipe.ZCard(ctx, k)
		pipe.PExpire(ctx, k, window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis sliding window: %w", err)
	}
	return card.Val(), nil
}

func (r *RedisCounter) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := incrWithTTL.Run(ctx, r.client, []string{r.key("cnt:" + key)}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis incr: %w", err)
	}
	return n, nil
}

func (r *RedisCounter) Ban(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key("ban:"+key), "1", ttl).Err(); err != nil {
		return fmt.Errorf("redis ban: %w", err)
	}
	return nil
}

func (r *RedisCounter) BanRemaining(ctx context.Context, key string) (time.Duration, error) {
	d, err := r.client.PTTL(ctx, r.key("ban:"+key)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis ban ttl: %w", err)
	}
	// -2: no key, -1: no expiry (never set by Ban)
	if d <= 0 {
		return 0, nil
	}
	return d, nil
}

var _ Counter = (*RedisCounter)(nil)
