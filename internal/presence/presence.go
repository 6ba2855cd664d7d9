// Package presence counts how many participants are connected to each
// conversation room. A room holds at most Capacity sessions; the count is
// what the messaging gateway uses to decide whether a message is read on
// delivery.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/servicedesk/internal/apierr"
)

// Capacity is the maximum number of sessions in one room.
const Capacity = 2

// DefaultTTL bounds how long a count survives without a join or leave, so
// counts leaked by crashed processes heal on their own.
const DefaultTTL = time.Hour

var ErrRoomFull = apierr.WithCode(apierr.Conflict, "room_full", "conversation room is full")

// Tracker counts room occupancy.
type Tracker interface {
	// Join adds a session and returns the new count, or ErrRoomFull when the
	// room already holds Capacity sessions. The check and the increment are
	// a single atomic step.
	Join(ctx context.Context, room string) (int64, error)
	// Leave removes a session and returns the new count. It never goes
	// below zero.
	Leave(ctx context.Context, room string) (int64, error)
	// Count returns the current occupancy, 0 for unknown rooms.
	Count(ctx context.Context, room string) (int64, error)
}

// Key returns the storage key for a room's counter.
func Key(room string) string {
	return "room:" + room + ":count"
}

// Connect opens a Redis client from a redis:// URL and verifies it.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
