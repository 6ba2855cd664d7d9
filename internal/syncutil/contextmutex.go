// Package syncutil provides keyed locks used to serialize work per entity
// (one payment per customer+offer, one withdrawal per freelancer).
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

// Locker acquires an exclusive lock for key. On success the returned
// function releases it and must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

const shardCount = 256

// ContextShardedMutex is a fixed pool of channel-based mutexes that honour
// context cancellation while waiting. Keys hashing to the same shard share
// a lock, which is safe but may serialize unrelated keys.
type ContextShardedMutex struct {
	shards [shardCount]chanMutex
	once   sync.Once
}

type chanMutex struct {
	ch chan struct{}
}

// NewContextShardedMutex creates a new context-aware sharded mutex.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	m.init()
	return m
}

func (m *ContextShardedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i].ch = make(chan struct{}, 1)
			m.shards[i].ch <- struct{}{}
		}
	})
}

// Lock implements Locker.
func (m *ContextShardedMutex) Lock(ctx context.Context, key string) (func(), error) {
	return m.LockContext(ctx, key)
}

// LockContext acquires the mutex for key or returns ctx.Err() if the
// context ends first.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	shard := &m.shards[shardIdx(key)]
	select {
	case <-shard.ch:
		var once sync.Once
		return func() { once.Do(func() { shard.ch <- struct{}{} }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

// Chain acquires every locker in order and releases them in reverse.
// Nil lockers are skipped, so optional distributed locks can be passed as-is.
func Chain(lockers ...Locker) Locker {
	out := make(chain, 0, len(lockers))
	for _, l := range lockers {
		if l == nil {
			continue
		}
		if rl, ok := l.(*RedisLocker); ok && rl == nil {
			continue
		}
		out = append(out, l)
	}
	return out
}

type chain []Locker

func (c chain) Lock(ctx context.Context, key string) (func(), error) {
	var unlocks []func()
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, l := range c {
		unlock, err := l.Lock(ctx, key)
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}
