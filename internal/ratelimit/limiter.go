// Package ratelimit provides token-bucket admission control for the
// gateway.
package ratelimit

import (
	"context"
	"time"
)

// Limiter defines the interface for rate limiting.
type Limiter interface {
	// Allow checks if a single request is allowed for the given key.
	Allow(ctx context.Context, key string) (*Result, error)

	// AllowN checks if a request costing n tokens is allowed for the key.
	AllowN(ctx context.Context, key string, n int) (*Result, error)

	// Reset forgets the bucket for the given key.
	Reset(ctx context.Context, key string) error
}

// Result represents the result of a rate limit check.
type Result struct {
	// Allowed indicates whether the request is allowed.
	Allowed bool

	// Limit is the bucket capacity.
	Limit int

	// Remaining is the number of whole tokens left after this check.
	Remaining int

	// RetryAfter is how long until enough tokens accumulate when the
	// request was denied.
	RetryAfter time.Duration
}
