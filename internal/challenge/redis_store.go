package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// graceTTL keeps a challenge readable past its expiry so a late consume
	// reports CHALLENGE_EXPIRED instead of CHALLENGE_NOT_FOUND.
	graceTTL = 5 * time.Minute
	// usedTTL is how long a consumed id keeps reporting ALREADY_USED.
	usedTTL = 10 * time.Minute

	usedReply = "USED"
)

// takeScript moves a challenge to a used marker in one step. Challenge
// payloads are JSON objects, so the literal reply "USED" cannot collide.
var takeScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v then
	redis.call('DEL', KEYS[1])
	redis.call('SET', KEYS[2], '1', 'PX', ARGV[1])
	return v
end
if redis.call('EXISTS', KEYS[2]) == 1 then
	return 'USED'
end
return false
`)

// RedisStore keeps challenges in Redis with a TTL, so expiry needs no sweep.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a Redis-backed challenge store. Keys are namespaced
// under prefix (e.g. "vg:").
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(id string) string     { return s.prefix + "challenge:" + id }
func (s *RedisStore) usedKey(id string) string { return s.prefix + "challenge:used:" + id }

func (s *RedisStore) Create(ctx context.Context, ch *Challenge) error {
	payload, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("marshal challenge: %w", err)
	}
	ttl := time.Until(ch.ExpiresAt) + graceTTL
	if err := s.client.Set(ctx, s.key(ch.ID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set challenge: %w", err)
	}
	return nil
}

func (s *RedisStore) Take(ctx context.Context, id string) (*Challenge, error) {
	v, err := takeScript.Run(ctx, s.client, []string{s.key(id), s.usedKey(id)}, usedTTL.Milliseconds()).Text()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis take challenge: %w", err)
	}
	if v == usedReply {
		return nil, ErrAlreadyUsed
	}

	var ch Challenge
	if err := json.Unmarshal([]byte(v), &ch); err != nil {
		return nil, fmt.Errorf("decode challenge: %w", err)
	}
	return &ch, nil
}

// DeleteExpired is a no-op: Redis expires keys itself.
func (s *RedisStore) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

var _ Store = (*RedisStore)(nil)
