package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vyrodovalexey/avagate/internal/observability"
	"github.com/vyrodovalexey/avagate/internal/ratelimit/store"
)

// DefaultWindow is the refill period of per-route buckets.
const DefaultWindow = time.Minute

// Registry holds one token bucket limiter per route. Routes are named by
// their table key (method and path), so two methods on one path keep
// separate limits. All limiters share a store; bucket keys are namespaced
// by route so clients are limited per route.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*TokenBucket
	store    store.Store
	clock    clock.Clock
	window   time.Duration
	logger   observability.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryClock sets the time source shared by all route limiters.
func WithRegistryClock(c clock.Clock) RegistryOption {
	return func(r *Registry) {
		r.clock = c
	}
}

// WithWindow overrides the refill period.
func WithWindow(window time.Duration) RegistryOption {
	return func(r *Registry) {
		if window > 0 {
			r.window = window
		}
	}
}

// WithRegistryLogger sets the logger.
func WithRegistryLogger(logger observability.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates a registry backed by s.
func NewRegistry(s store.Store, opts ...RegistryOption) *Registry {
	r := &Registry{
		limiters: make(map[string]*TokenBucket),
		store:    s,
		clock:    clock.New(),
		window:   DefaultWindow,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Key builds the bucket key for a client on a route.
func Key(route, clientID string) string {
	return route + ":" + clientID
}

// Allow consumes one token from the client's bucket on the route. The
// route limiter is (re)built when limit differs from the one it was
// created with.
func (r *Registry) Allow(ctx context.Context, route string, limit int, clientID string) (*Result, error) {
	limiter, err := r.limiterFor(route, limit)
	if err != nil {
		return nil, err
	}

	result, err := limiter.Allow(ctx, Key(route, clientID))
	if err != nil {
		getRateLimitMetrics().decisions.WithLabelValues(route, "error").Inc()
		return nil, err
	}

	decision := "allowed"
	if !result.Allowed {
		decision = "denied"
	}
	getRateLimitMetrics().decisions.WithLabelValues(route, decision).Inc()

	return result, nil
}

func (r *Registry) limiterFor(route string, limit int) (*TokenBucket, error) {
	r.mu.RLock()
	limiter, ok := r.limiters[route]
	r.mu.RUnlock()
	if ok && limiter.Capacity() == limit {
		return limiter, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if limiter, ok = r.limiters[route]; ok && limiter.Capacity() == limit {
		return limiter, nil
	}

	limiter, err := NewTokenBucket(limit, r.window, WithStore(r.store), WithClock(r.clock))
	if err != nil {
		return nil, err
	}
	r.limiters[route] = limiter

	r.logger.Debug("route limiter configured",
		observability.String("route", route),
		observability.Int("limit", limit),
		observability.Duration("window", r.window),
	)

	return limiter, nil
}

// Reset forgets the client's bucket on the route.
func (r *Registry) Reset(ctx context.Context, route, clientID string) error {
	return r.store.Delete(ctx, Key(route, clientID))
}

// Forget drops the limiter of a removed route. Existing buckets expire
// or are evicted by the store.
func (r *Registry) Forget(route string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.limiters, route)
}

// Len returns the number of configured route limiters.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.limiters)
}

// Close closes the underlying store.
func (r *Registry) Close() error {
	return r.store.Close()
}
