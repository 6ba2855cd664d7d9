package presence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/servicedesk/internal/apierr"
	"github.com/mbd888/servicedesk/internal/circuitbreaker"
)

type trackerCase struct {
	name    string
	tracker Tracker
	// expire moves the clock past the TTL.
	expire func()
}

func trackers(t *testing.T) []trackerCase {
	t.Helper()
	ttl := time.Minute

	mem := NewMemoryTracker(ttl)
	clock := time.Now()
	mem.now = func() time.Time { return clock }

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return []trackerCase{
		{name: "memory", tracker: mem, expire: func() { clock = clock.Add(ttl + time.Second) }},
		{name: "redis", tracker: NewRedisTracker(client, ttl), expire: func() { mr.FastForward(ttl + time.Second) }},
	}
}

func TestTracker_ThirdJoinRejected(t *testing.T) {
	for _, tc := range trackers(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()

			n, err := tc.tracker.Join(ctx, "conv_1")
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			n, err = tc.tracker.Join(ctx, "conv_1")
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			_, err = tc.tracker.Join(ctx, "conv_1")
			assert.True(t, errors.Is(err, ErrRoomFull))
			assert.Equal(t, "room_full", apierr.CodeOf(err))

			count, err := tc.tracker.Count(ctx, "conv_1")
			require.NoError(t, err)
			assert.Equal(t, int64(2), count, "rejected join must not change the count")

			// other rooms are independent
			_, err = tc.tracker.Join(ctx, "conv_2")
			assert.NoError(t, err)
		})
	}
}

func TestTracker_LeaveClampsAtZero(t *testing.T) {
	for _, tc := range trackers(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()

			_, err := tc.tracker.Join(ctx, "conv_1")
			require.NoError(t, err)

			n, err := tc.tracker.Leave(ctx, "conv_1")
			require.NoError(t, err)
			assert.Equal(t, int64(0), n)

			n, err = tc.tracker.Leave(ctx, "conv_1")
			require.NoError(t, err)
			assert.Equal(t, int64(0), n, "duplicate leave is clamped")

			count, _ := tc.tracker.Count(ctx, "conv_1")
			assert.Equal(t, int64(0), count)

			// a fresh join after over-leaving starts from zero
			n, err = tc.tracker.Join(ctx, "conv_1")
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
		})
	}
}

func TestTracker_CountUnknownRoom(t *testing.T) {
	for _, tc := range trackers(t) {
		t.Run(tc.name, func(t *testing.T) {
			n, err := tc.tracker.Count(context.Background(), "conv_missing")
			require.NoError(t, err)
			assert.Equal(t, int64(0), n)
		})
	}
}

func TestTracker_TTLExpiry(t *testing.T) {
	for _, tc := range trackers(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			_, _ = tc.tracker.Join(ctx, "conv_1")
			_, _ = tc.tracker.Join(ctx, "conv_1")

			tc.expire()

			n, err := tc.tracker.Count(ctx, "conv_1")
			require.NoError(t, err)
			assert.Equal(t, int64(0), n, "leaked counts expire")

			_, err = tc.tracker.Join(ctx, "conv_1")
			assert.NoError(t, err)
		})
	}
}

func TestTracker_ConcurrentJoinsNeverExceedCapacity(t *testing.T) {
	for _, tc := range trackers(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			var joined atomic.Int64
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := tc.tracker.Join(ctx, "conv_race"); err == nil {
						joined.Add(1)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int64(Capacity), joined.Load())
			n, _ := tc.tracker.Count(ctx, "conv_race")
			assert.Equal(t, int64(Capacity), n)
		})
	}
}

func TestRedisTracker_KeyAndTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	tr := NewRedisTracker(client, 0)
	_, err := tr.Join(context.Background(), "conv_9")
	require.NoError(t, err)

	assert.True(t, mr.Exists("room:conv_9:count"))
	assert.Equal(t, DefaultTTL, mr.TTL("room:conv_9:count"))
}

func TestRedisTracker_BreakerOpensOnRedisFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()

	tr := NewRedisTracker(client, time.Minute).WithBreaker(circuitbreaker.New(2, time.Minute))
	ctx := context.Background()

	// a full room is not a Redis failure
	_, _ = tr.Join(ctx, "conv_1")
	_, _ = tr.Join(ctx, "conv_1")
	for i := 0; i < 3; i++ {
		_, err := tr.Join(ctx, "conv_1")
		require.True(t, errors.Is(err, ErrRoomFull))
	}

	mr.Close()
	for i := 0; i < 2; i++ {
		_, err := tr.Count(ctx, "conv_1")
		require.Error(t, err)
	}
	_, err := tr.Count(ctx, "conv_1")
	assert.True(t, errors.Is(err, circuitbreaker.ErrOpen))
}

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := Connect(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	defer client.Close()

	_, err = Connect(context.Background(), "not a url")
	assert.Error(t, err)
}
