package presence

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/servicedesk/internal/circuitbreaker"
	"github.com/mbd888/servicedesk/internal/metrics"
)

// joinScript refuses when the room is at capacity, otherwise increments and
// refreshes the TTL. Returns -1 when full.
// KEYS[1] = counter, ARGV[1] = capacity, ARGV[2] = ttl ms
const joinScript = `
local n = tonumber(redis.call("GET", KEYS[1]) or "0")
if n >= tonumber(ARGV[1]) then
  return -1
end
n = redis.call("INCR", KEYS[1])
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return n
`

// leaveScript decrements, deleting the key instead of storing a count <= 0.
// KEYS[1] = counter, ARGV[1] = ttl ms
const leaveScript = `
local n = tonumber(redis.call("GET", KEYS[1]) or "0")
if n <= 1 then
  redis.call("DEL", KEYS[1])
  return 0
end
n = redis.call("DECR", KEYS[1])
redis.call("PEXPIRE", KEYS[1], ARGV[1])
return n
`

// RedisTracker keeps room counts in Redis so every gateway instance sees the
// same occupancy.
type RedisTracker struct {
	client  redis.UniversalClient
	join    *redis.Script
	leave   *redis.Script
	ttl     time.Duration
	breaker *circuitbreaker.Breaker
}

// NewRedisTracker creates a Redis-backed tracker. ttl <= 0 uses DefaultTTL.
func NewRedisTracker(client redis.UniversalClient, ttl time.Duration) *RedisTracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisTracker{
		client: client,
		join:   redis.NewScript(joinScript),
		leave:  redis.NewScript(leaveScript),
		ttl:    ttl,
	}
}

// WithBreaker short-circuits Redis calls while Redis is failing.
func (t *RedisTracker) WithBreaker(b *circuitbreaker.Breaker) *RedisTracker {
	t.breaker = b
	return t
}

func (t *RedisTracker) Join(ctx context.Context, room string) (int64, error) {
	var n int64
	err := t.guard("redis.presence", func() error {
		var err error
		n, err = t.join.Run(ctx, t.client, []string{Key(room)}, Capacity, t.ttl.Milliseconds()).Int64()
		return err
	})
	if err != nil {
		metrics.PresenceJoinsTotal.WithLabelValues("error").Inc()
		return 0, err
	}
	if n < 0 {
		metrics.PresenceJoinsTotal.WithLabelValues("full").Inc()
		return Capacity, ErrRoomFull
	}
	metrics.PresenceJoinsTotal.WithLabelValues("accepted").Inc()
	return n, nil
}

func (t *RedisTracker) Leave(ctx context.Context, room string) (int64, error) {
	var n int64
	err := t.guard("redis.presence", func() error {
		var err error
		n, err = t.leave.Run(ctx, t.client, []string{Key(room)}, t.ttl.Milliseconds()).Int64()
		return err
	})
	return n, err
}

func (t *RedisTracker) Count(ctx context.Context, room string) (int64, error) {
	var n int64
	err := t.guard("redis.presence", func() error {
		var err error
		n, err = t.client.Get(ctx, Key(room)).Int64()
		if errors.Is(err, redis.Nil) {
			n, err = 0, nil
		}
		return err
	})
	return n, err
}

func (t *RedisTracker) guard(key string, fn func() error) error {
	if t.breaker == nil {
		return fn()
	}
	return t.breaker.Execute(key, fn)
}
