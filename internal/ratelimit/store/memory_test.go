package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testParams = Params{Capacity: 2, Per: time.Minute, Cost: 1}

func TestMemoryStore_Take(t *testing.T) {
	t.Parallel()

	s, err := NewMemoryStore(0)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	now := time.Unix(1000, 0)

	st, err := s.Take(ctx, "k", testParams, now)
	require.NoError(t, err)
	assert.True(t, st.Allowed)
	assert.InDelta(t, 1.0, st.Tokens, 1e-9)

	st, err = s.Take(ctx, "k", testParams, now)
	require.NoError(t, err)
	assert.True(t, st.Allowed)
	assert.InDelta(t, 0.0, st.Tokens, 1e-9)

	st, err = s.Take(ctx, "k", testParams, now)
	require.NoError(t, err)
	assert.False(t, st.Allowed)
	assert.Equal(t, now, st.LastRefill)
}

func TestMemoryStore_Refill(t *testing.T) {
	t.Parallel()

	s, err := NewMemoryStore(10)
	require.NoError(t, err)

	ctx := context.Background()
	now := time.Unix(0, 0)
	p := Params{Capacity: 10, Per: 10 * time.Second, Cost: 10}

	st, err := s.Take(ctx, "k", p, now)
	require.NoError(t, err)
	require.True(t, st.Allowed)

	// Half the period refills half the bucket.
	p.Cost = 1
	st, err = s.Take(ctx, "k", p, now.Add(5*time.Second))
	require.NoError(t, err)
	assert.True(t, st.Allowed)
	assert.InDelta(t, 4.0, st.Tokens, 1e-9)

	// A long idle period never exceeds capacity.
	st, err = s.Take(ctx, "k", p, now.Add(time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 9.0, st.Tokens, 1e-9)
}

func TestMemoryStore_ClockSkew(t *testing.T) {
	t.Parallel()

	s, err := NewMemoryStore(10)
	require.NoError(t, err)

	ctx := context.Background()
	now := time.Unix(100, 0)

	_, err = s.Take(ctx, "k", testParams, now)
	require.NoError(t, err)

	st, err := s.Take(ctx, "k", testParams, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, st.Allowed)
	assert.InDelta(t, 0.0, st.Tokens, 1e-9)
}

func TestMemoryStore_Delete(t *testing.T) {
	t.Parallel()

	s, err := NewMemoryStore(10)
	require.NoError(t, err)

	ctx := context.Background()
	now := time.Unix(0, 0)

	for i := 0; i < 3; i++ {
		_, err = s.Take(ctx, "k", testParams, now)
		require.NoError(t, err)
	}
	require.NoError(t, s.Delete(ctx, "k"))
	require.NoError(t, s.Delete(ctx, "missing"))

	st, err := s.Take(ctx, "k", testParams, now)
	require.NoError(t, err)
	assert.True(t, st.Allowed)
	assert.InDelta(t, 1.0, st.Tokens, 1e-9)
}

func TestMemoryStore_Eviction(t *testing.T) {
	t.Parallel()

	s, err := NewMemoryStore(2)
	require.NoError(t, err)

	ctx := context.Background()
	now := time.Unix(0, 0)
	for _, k := range []string{"a", "b", "c"} {
		_, err = s.Take(ctx, k, testParams, now)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, s.Len())
}

func TestMemoryStore_EvictedBucketNotReused(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		evict func(t *testing.T, s *MemoryStore)
	}{
		{
			name: "lru pressure",
			evict: func(t *testing.T, s *MemoryStore) {
				_, err := s.Take(context.Background(), "other", testParams, time.Unix(0, 0))
				require.NoError(t, err)
			},
		},
		{
			name: "delete",
			evict: func(t *testing.T, s *MemoryStore) {
				require.NoError(t, s.Delete(context.Background(), "k"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s, err := NewMemoryStore(1)
			require.NoError(t, err)

			ctx := context.Background()
			now := time.Unix(0, 0)
			for range 2 {
				_, err = s.Take(ctx, "k", testParams, now)
				require.NoError(t, err)
			}

			stale, ok := s.buckets.Peek("k")
			require.True(t, ok)
			stale.mu.Lock()

			done := make(chan State, 1)
			go func() {
				st, takeErr := s.Take(ctx, "k", testParams, now)
				assert.NoError(t, takeErr)
				done <- st
			}()

			tt.evict(t, s)
			assert.True(t, stale.evicted.Load())
			stale.mu.Unlock()

			st := <-done
			assert.True(t, st.Allowed, "an evicted key starts over with a full bucket")
			assert.InDelta(t, 1.0, st.Tokens, 1e-9)
			assert.InDelta(t, 0.0, stale.tokens, 1e-9)
		})
	}
}

func TestMemoryStore_ContextCancelled(t *testing.T) {
	t.Parallel()

	s, err := NewMemoryStore(10)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = s.Take(ctx, "k", testParams, time.Now())
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, s.Delete(ctx, "k"), context.Canceled)
}

func TestMemoryStore_Closed(t *testing.T) {
	t.Parallel()

	s, err := NewMemoryStore(10)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Take(context.Background(), "k", testParams, time.Now())
	assert.Error(t, err)
}

func TestMemoryStore_ConcurrentTakeNeverOveradmits(t *testing.T) {
	t.Parallel()

	s, err := NewMemoryStore(10)
	require.NoError(t, err)

	ctx := context.Background()
	now := time.Unix(0, 0)
	p := Params{Capacity: 50, Per: time.Hour, Cost: 1}

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, takeErr := s.Take(ctx, "shared", p, now)
			if takeErr == nil && st.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), allowed.Load())
}

func TestIsKeyNotFound(t *testing.T) {
	t.Parallel()

	err := &ErrKeyNotFound{Key: "k"}
	assert.True(t, IsKeyNotFound(err))
	assert.Equal(t, "key not found: k", err.Error())
	assert.False(t, IsKeyNotFound(assert.AnError))
}
