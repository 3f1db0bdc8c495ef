package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vyrodovalexey/avagate/internal/ratelimit/store"
)

// TokenBucket admits requests from a bucket of capacity tokens that
// refills continuously, reaching full capacity after one period.
type TokenBucket struct {
	capacity int
	per      time.Duration
	store    store.Store
	clock    clock.Clock
}

// TokenBucketOption configures a TokenBucket.
type TokenBucketOption func(*TokenBucket)

// WithStore sets the bucket store. The default is a private in-memory
// store.
func WithStore(s store.Store) TokenBucketOption {
	return func(tb *TokenBucket) {
		tb.store = s
	}
}

// WithClock sets the time source.
func WithClock(c clock.Clock) TokenBucketOption {
	return func(tb *TokenBucket) {
		tb.clock = c
	}
}

// NewTokenBucket creates a limiter admitting capacity requests per period
// for every key.
func NewTokenBucket(capacity int, per time.Duration, opts ...TokenBucketOption) (*TokenBucket, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("token bucket capacity must be positive, got %d", capacity)
	}
	if per <= 0 {
		return nil, fmt.Errorf("token bucket period must be positive, got %s", per)
	}

	tb := &TokenBucket{
		capacity: capacity,
		per:      per,
		clock:    clock.New(),
	}
	for _, opt := range opts {
		opt(tb)
	}

	if tb.store == nil {
		mem, err := store.NewMemoryStore(0)
		if err != nil {
			return nil, err
		}
		tb.store = mem
	}

	return tb, nil
}

// Allow implements Limiter.
func (tb *TokenBucket) Allow(ctx context.Context, key string) (*Result, error) {
	return tb.AllowN(ctx, key, 1)
}

// AllowN implements Limiter.
func (tb *TokenBucket) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	return tb.Check(ctx, key, float64(n))
}

// Check refills the bucket for key and consumes cost tokens when enough
// are available. The refill timestamp advances on every call, admitted
// or not.
func (tb *TokenBucket) Check(ctx context.Context, key string, cost float64) (*Result, error) {
	if cost < 0 {
		return nil, fmt.Errorf("token cost must not be negative, got %v", cost)
	}

	params := store.Params{
		Capacity: float64(tb.capacity),
		Per:      tb.per,
		Cost:     cost,
	}

	state, err := tb.store.Take(ctx, key, params, tb.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("rate limit check for %s: %w", key, err)
	}

	result := &Result{
		Allowed:   state.Allowed,
		Limit:     tb.capacity,
		Remaining: int(math.Floor(state.Tokens)),
	}
	if !state.Allowed {
		result.RetryAfter = tb.retryAfter(cost - state.Tokens)
	}

	return result, nil
}

// retryAfter converts a token deficit into the time needed to refill it.
func (tb *TokenBucket) retryAfter(deficit float64) time.Duration {
	if deficit <= 0 {
		return 0
	}
	seconds := deficit * tb.per.Seconds() / float64(tb.capacity)
	return time.Duration(math.Ceil(seconds * float64(time.Second)))
}

// Reset implements Limiter.
func (tb *TokenBucket) Reset(ctx context.Context, key string) error {
	return tb.store.Delete(ctx, key)
}

// Capacity returns the bucket size.
func (tb *TokenBucket) Capacity() int {
	return tb.capacity
}

// Period returns the full-refill period.
func (tb *TokenBucket) Period() time.Duration {
	return tb.per
}
