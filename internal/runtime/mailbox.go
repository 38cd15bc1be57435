// Package runtime implements PersistEntityRuntime: hot entity cache,
// deterministic command/envelope/closure handler registries, per-entity
// mailbox serialization, a global inflight permit pool, command
// payload migration, and the background snapshot worker plus crash
// recovery. Grounded on persist::runtime::types::projection::mailbox
// (RuntimeEntityMailbox) and persist::runtime::support::worker
// (RuntimeSnapshotWorker) in the original source.
package runtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// mailbox serializes commands for one entity: at most one inflight command
// at a time, additional callers block on mu until it is free. pendingCount
// is atomic because withLock writes it under mb.mu while evictIdle reads it
// under the registry's r.mu — two different locks guarding the same field.
type mailbox struct {
	mu             sync.Mutex
	pendingCount   atomic.Int64
	lastCommandAt  time.Time
}

// mailboxRegistry is the coarse-mutex-protected map of per-entity mailboxes,
// all guarded by the same mutex.
type mailboxRegistry struct {
	mu       sync.Mutex
	entries  map[string]*mailbox
	idleAfter time.Duration
}

func newMailboxRegistry(idleAfter time.Duration) *mailboxRegistry {
	return &mailboxRegistry{entries: make(map[string]*mailbox), idleAfter: idleAfter}
}

func (r *mailboxRegistry) get(entityKey string) *mailbox {
	r.mu.Lock()
	defer r.mu.Unlock()
	mb, ok := r.entries[entityKey]
	if !ok {
		mb = &mailbox{lastCommandAt: time.Now()}
		r.entries[entityKey] = mb
	}
	return mb
}

// withLock acquires entityKey's mailbox for the duration of fn, serializing
// commands against that one entity while letting other entities' commands
// proceed concurrently.
func (r *mailboxRegistry) withLock(ctx context.Context, entityKey string, fn func() error) error {
	mb := r.get(entityKey)

	if !mb.mu.TryLock() {
		acquired := make(chan struct{})
		go func() {
			mb.mu.Lock()
			close(acquired)
		}()
		select {
		case <-acquired:
		case <-ctx.Done():
			// The lock will still be granted to the goroutine above at some
			// point; release it immediately when that happens so it is
			// never held forever by an abandoned waiter.
			go func() { <-acquired; mb.mu.Unlock() }()
			return ctx.Err()
		}
	}
	defer mb.mu.Unlock()

	mb.pendingCount.Add(1)
	defer func() { mb.pendingCount.Add(-1); mb.lastCommandAt = time.Now() }()

	return fn()
}

// evictIdle drops mailboxes that have seen no command in idleAfter,
// bounding the registry's resident memory.
func (r *mailboxRegistry) evictIdle(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, mb := range r.entries {
		if mb.pendingCount.Load() == 0 && now.Sub(mb.lastCommandAt) > r.idleAfter {
			delete(r.entries, key)
		}
	}
}

// permitPool is the global inflight-permit bounded semaphore, backed by
// golang.org/x/sync/semaphore so ctx cancellation while waiting for a permit
// is handled by the same library BeadsLog's worker pools use rather than a
// hand-rolled buffered channel.
type permitPool struct {
	sem *semaphore.Weighted
}

func newPermitPool(max int) *permitPool {
	return &permitPool{sem: semaphore.NewWeighted(int64(max))}
}

// acquire blocks until a permit is available or ctx is done.
func (p *permitPool) acquire(ctx context.Context) error {
	return p.sem.Acquire(ctx, 1)
}

func (p *permitPool) release() {
	p.sem.Release(1)
}
