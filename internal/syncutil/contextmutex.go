package syncutil

import (
	"context"
	"sync"
)

// ContextShardedMutex is the channel-based sibling of ShardedMutex.
// Waiters can give up when their context is cancelled instead of
// blocking until the holder releases.
type ContextShardedMutex struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

func (m *ContextShardedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
			m.shards[i] <- struct{}{} // start unlocked
		}
	})
}

// LockContext acquires the mutex for key or fails with the context's
// error if ctx is cancelled while waiting. On success the returned
// unlock function must be called.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	shard := m.shards[shardIdx(key)]

	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
