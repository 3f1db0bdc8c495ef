// Package store provides bucket storage backends for rate limiting.
//
// A backend owns the refill-and-consume step so that it runs atomically
// per key: under a per-bucket mutex in memory, or as a Lua script in Redis.
package store

import (
	"context"
	"math"
	"time"
)

// Params describes the bucket a Take call operates on.
type Params struct {
	// Capacity is the maximum number of tokens.
	Capacity float64

	// Per is the time it takes to refill an empty bucket completely.
	Per time.Duration

	// Cost is the number of tokens the request consumes.
	Cost float64
}

// State is a bucket snapshot taken right after a Take step.
type State struct {
	Allowed    bool
	Tokens     float64
	LastRefill time.Time
}

// Store defines the interface for rate limit storage.
type Store interface {
	// Take refills the bucket for key up to now and consumes p.Cost tokens
	// if available. Missing buckets start full.
	Take(ctx context.Context, key string, p Params, now time.Time) (State, error)

	// Delete removes the bucket for key. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// Close closes the store and releases resources.
	Close() error
}

// ErrKeyNotFound is returned when a key is not found in the store.
type ErrKeyNotFound struct {
	Key string
}

func (e *ErrKeyNotFound) Error() string {
	return "key not found: " + e.Key
}

// IsKeyNotFound returns true if the error is a key not found error.
func IsKeyNotFound(err error) bool {
	_, ok := err.(*ErrKeyNotFound)
	return ok
}

// refill returns the token count after elapsed time, capped at capacity.
// Time going backwards adds nothing.
func refill(tokens float64, p Params, elapsed time.Duration) float64 {
	if elapsed <= 0 || p.Per <= 0 {
		return math.Min(p.Capacity, tokens)
	}
	added := elapsed.Seconds() * p.Capacity / p.Per.Seconds()
	return math.Min(p.Capacity, tokens+added)
}

// step applies one refill-and-consume step to a bucket in place.
func step(tokens *float64, last *time.Time, p Params, now time.Time) bool {
	*tokens = refill(*tokens, p, now.Sub(*last))
	*last = now

	if *tokens >= p.Cost {
		*tokens -= p.Cost
		return true
	}
	return false
}
