package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avagate/internal/observability"
	"github.com/vyrodovalexey/avagate/internal/util"
)

var breakerTracer = otel.Tracer("avagate/backend/breaker")

// BreakerConfig configures the per-instance circuit breakers.
type BreakerConfig struct {
	// Enabled turns circuit breaking on. A disabled BreakerSet runs every
	// call directly.
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Threshold is the minimum number of requests in an interval before
	// the failure ratio can trip the breaker.
	Threshold int `yaml:"threshold" json:"threshold"`
	// Timeout is how long an open breaker waits before half-opening. It
	// is also the interval after which closed counts reset.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// FailureRatio trips the breaker once reached.
	FailureRatio float64 `yaml:"failureRatio" json:"failureRatio"`
}

// DefaultBreakerConfig returns a disabled breaker configuration with
// usable thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:    5,
		Timeout:      30 * time.Second,
		FailureRatio: 0.5,
	}
}

// BreakerSet holds one gobreaker circuit per service instance.
type BreakerSet struct {
	cfg      BreakerConfig
	logger   observability.Logger
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerSet creates an empty set.
func NewBreakerSet(cfg BreakerConfig, logger observability.Logger) *BreakerSet {
	if logger == nil {
		logger = observability.NopLogger()
	}
	def := DefaultBreakerConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.FailureRatio <= 0 || cfg.FailureRatio > 1 {
		cfg.FailureRatio = def.FailureRatio
	}
	return &BreakerSet{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Execute runs fn under the breaker of svc. An open breaker rejects the
// call with util.ErrCircuitOpen without running fn.
func (b *BreakerSet) Execute(svc *Service, fn func() (*Response, error)) (*Response, error) {
	if b == nil || !b.cfg.Enabled {
		return fn()
	}

	cb := b.breaker(svc)
	result, err := cb.Execute(func() (interface{}, error) {
		resp, err := fn()
		if err != nil {
			return resp, err
		}
		if resp != nil && resp.StatusCode >= 500 {
			return resp, errServerStatus
		}
		return resp, nil
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		getBackendMetrics().breakerRejections.WithLabelValues(svc.Name).Inc()
		return nil, fmt.Errorf("%s at %s: %w", svc.Name, svc.Address, util.ErrCircuitOpen)
	}

	resp, _ := result.(*Response)
	if errors.Is(err, errServerStatus) {
		return resp, nil
	}
	return resp, err
}

// State returns the breaker state of svc. Instances that never went
// through the set report closed.
func (b *BreakerSet) State(svc *Service) gobreaker.State {
	if b == nil {
		return gobreaker.StateClosed
	}
	b.mu.Lock()
	cb, ok := b.breakers[breakerKey(svc)]
	b.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

var errServerStatus = errors.New("backend answered with a server error")

func breakerKey(svc *Service) string {
	return svc.Name + "@" + svc.Address
}

func (b *BreakerSet) breaker(svc *Service) *gobreaker.CircuitBreaker {
	key := breakerKey(svc)

	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[key]; ok {
		return cb
	}

	threshold := safeIntToUint32(b.cfg.Threshold)
	ratio := b.cfg.FailureRatio

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: threshold,
		Interval:    b.cfg.Timeout,
		Timeout:     b.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < threshold {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= ratio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("circuit breaker state change",
				observability.String("breaker", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
			getBackendMetrics().breakerTransitions.WithLabelValues(svc.Name, to.String()).Inc()

			_, span := breakerTracer.Start(context.Background(), "breaker.state_change",
				trace.WithSpanKind(trace.SpanKindInternal))
			span.AddEvent("state_change", trace.WithAttributes(
				attribute.String("breaker.name", name),
				attribute.String("breaker.from", from.String()),
				attribute.String("breaker.to", to.String()),
			))
			span.End()
		},
	})
	b.breakers[key] = cb
	return cb
}

func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if n > int(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n) //nolint:gosec // bounds checked above
}
