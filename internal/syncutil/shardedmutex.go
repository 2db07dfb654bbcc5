// Package syncutil provides keyed mutual exclusion with bounded memory.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used by NewShardedMutex(0).
const DefaultShards = 256

// ShardedMutex is a fixed pool of locks keyed by string. Memory stays
// bounded however many keys are seen, at the cost of occasional false
// sharing between keys that hash to the same shard. Shards are buffered
// channels so that acquisition can give up when a context ends.
type ShardedMutex struct {
	shards []chan struct{}
}

// NewShardedMutex creates a mutex pool with n shards.
func NewShardedMutex(n int) *ShardedMutex {
	if n <= 0 {
		n = DefaultShards
	}
	m := &ShardedMutex{shards: make([]chan struct{}, n)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// Lock blocks until key's shard is free and returns the unlock function.
func (m *ShardedMutex) Lock(key string) func() {
	ch := m.shard(key)
	<-ch
	return func() { ch <- struct{}{} }
}

// LockContext is Lock that gives up with ctx.Err() when ctx ends first.
func (m *ShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	ch := m.shard(key)
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SameShard reports whether a and b contend for the same lock.
func (m *ShardedMutex) SameShard(a, b string) bool {
	return m.index(a) == m.index(b)
}

func (m *ShardedMutex) shard(key string) chan struct{} {
	return m.shards[m.index(key)]
}

func (m *ShardedMutex) index(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(m.shards))
}
