package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMemoryStoreSize bounds the number of buckets kept in memory.
const DefaultMemoryStoreSize = 100_000

type bucket struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time

	// evicted is set once the bucket leaves the cache.
	evicted atomic.Bool
}

// MemoryStore keeps buckets in process memory. The least recently used
// bucket is evicted once the store is full; an evicted key starts over
// with a full bucket.
type MemoryStore struct {
	buckets *lru.Cache[string, *bucket]
	mu      sync.RWMutex
	closed  bool
}

// NewMemoryStore creates an in-memory store holding at most size buckets.
// A non-positive size selects DefaultMemoryStoreSize.
func NewMemoryStore(size int) (*MemoryStore, error) {
	if size <= 0 {
		size = DefaultMemoryStoreSize
	}

	cache, err := lru.NewWithEvict[string, *bucket](size, func(_ string, b *bucket) {
		b.evicted.Store(true)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket cache: %w", err)
	}

	return &MemoryStore{buckets: cache}, nil
}

// Take implements Store.
func (s *MemoryStore) Take(ctx context.Context, key string, p Params, now time.Time) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return State{}, fmt.Errorf("memory store is closed")
	}

	for {
		b := s.bucketFor(key, p, now)

		b.mu.Lock()
		// A bucket evicted after lookup is stale; the cache now holds a
		// fresh one or none.
		if b.evicted.Load() {
			b.mu.Unlock()
			continue
		}
		allowed := step(&b.tokens, &b.last, p, now)
		st := State{Allowed: allowed, Tokens: b.tokens, LastRefill: b.last}
		b.mu.Unlock()
		return st, nil
	}
}

// bucketFor returns the bucket for key, creating a full one if absent.
func (s *MemoryStore) bucketFor(key string, p Params, now time.Time) *bucket {
	if b, ok := s.buckets.Get(key); ok {
		return b
	}

	fresh := &bucket{tokens: p.Capacity, last: now}
	if prev, found, _ := s.buckets.PeekOrAdd(key, fresh); found {
		return prev
	}
	return fresh
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.buckets.Remove(key)
	return nil
}

// Len returns the number of buckets currently held.
func (s *MemoryStore) Len() int {
	return s.buckets.Len()
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.buckets.Purge()
	return nil
}
