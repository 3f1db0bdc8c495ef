package gateway

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel"
	"go.uber.org/multierr"

	"github.com/vyrodovalexey/avagate/internal/auth"
	"github.com/vyrodovalexey/avagate/internal/backend"
	"github.com/vyrodovalexey/avagate/internal/metrics"
	"github.com/vyrodovalexey/avagate/internal/observability"
	"github.com/vyrodovalexey/avagate/internal/ratelimit"
	"github.com/vyrodovalexey/avagate/internal/ratelimit/store"
	"github.com/vyrodovalexey/avagate/internal/router"
)

// Gateway is the request pipeline and the state it owns.
type Gateway struct {
	routes    *router.Table
	backends  *backend.Registry
	limits    *ratelimit.Registry
	auth      *auth.Gate
	collector *metrics.Collector
	forwarder backend.Forwarder
	breakers  *backend.BreakerSet
	tracer    *observability.Tracer
	logger    observability.Logger
	clock     clock.Clock

	mu          sync.RWMutex
	middlewares []Middleware

	closers []io.Closer

	// Construction inputs resolved in New.
	limitStore  store.Store
	limitWindow time.Duration
	strategy    backend.Strategy
	breakerCfg  backend.BreakerConfig
}

// Option is a functional option for configuring the gateway.
type Option func(*Gateway)

// WithLogger sets the logger for the gateway and its components.
func WithLogger(logger observability.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithTracer sets the tracer used for request spans.
func WithTracer(tracer *observability.Tracer) Option {
	return func(g *Gateway) {
		g.tracer = tracer
	}
}

// WithClock sets the time source for elapsed time and token refill.
func WithClock(c clock.Clock) Option {
	return func(g *Gateway) {
		g.clock = c
	}
}

// WithRateLimitStore sets the bucket store. The gateway closes it.
func WithRateLimitStore(s store.Store) Option {
	return func(g *Gateway) {
		g.limitStore = s
	}
}

// WithRateLimitWindow overrides the bucket refill period.
func WithRateLimitWindow(window time.Duration) Option {
	return func(g *Gateway) {
		g.limitWindow = window
	}
}

// WithStrategy sets the load balancing strategy for every service.
func WithStrategy(s backend.Strategy) Option {
	return func(g *Gateway) {
		g.strategy = s
	}
}

// WithAuthGate replaces the auth gate.
func WithAuthGate(gate *auth.Gate) Option {
	return func(g *Gateway) {
		g.auth = gate
	}
}

// WithForwarder sets the backend transport.
func WithForwarder(f backend.Forwarder) Option {
	return func(g *Gateway) {
		g.forwarder = f
	}
}

// WithBreakers configures per-instance circuit breaking.
func WithBreakers(cfg backend.BreakerConfig) Option {
	return func(g *Gateway) {
		g.breakerCfg = cfg
	}
}

// WithCollector sets the metrics collector.
func WithCollector(c *metrics.Collector) Option {
	return func(g *Gateway) {
		g.collector = c
	}
}

// WithCloser registers a resource closed by Close.
func WithCloser(c io.Closer) Option {
	return func(g *Gateway) {
		g.closers = append(g.closers, c)
	}
}

// New creates a gateway. Without options it keeps buckets in memory,
// balances round robin, uses the structural bearer check and answers
// with the simulated forwarder.
func New(opts ...Option) (*Gateway, error) {
	g := &Gateway{
		logger:      observability.NopLogger(),
		clock:       clock.New(),
		limitWindow: ratelimit.DefaultWindow,
		strategy:    backend.RoundRobin,
		breakerCfg:  backend.DefaultBreakerConfig(),
	}

	for _, opt := range opts {
		opt(g)
	}

	if g.tracer == nil {
		g.tracer = observability.NewTracerFromProvider(otel.GetTracerProvider(), "avagate/gateway")
	}
	if g.limitStore == nil {
		mem, err := store.NewMemoryStore(store.DefaultMemoryStoreSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create rate limit store: %w", err)
		}
		g.limitStore = mem
	}
	if g.auth == nil {
		g.auth = auth.NewGate(auth.NewKeyStore(), auth.WithGateLogger(g.logger))
	}
	if g.forwarder == nil {
		g.forwarder = backend.SimulatedForwarder{}
	}
	if g.collector == nil {
		g.collector = metrics.NewCollector()
	}

	g.routes = router.NewTable(router.WithLogger(g.logger))
	g.backends = backend.NewRegistry(
		backend.WithStrategy(g.strategy),
		backend.WithRegistryLogger(g.logger),
	)
	g.limits = ratelimit.NewRegistry(g.limitStore,
		ratelimit.WithRegistryClock(g.clock),
		ratelimit.WithWindow(g.limitWindow),
		ratelimit.WithRegistryLogger(g.logger),
	)
	g.breakers = backend.NewBreakerSet(g.breakerCfg, g.logger)

	return g, nil
}

// AddRoute registers a route. Malformed templates and duplicate
// (path, method) pairs are rejected.
func (g *Gateway) AddRoute(route router.Route) error {
	return g.routes.Add(route)
}

// RemoveRoute deletes a route and drops its limiter.
func (g *Gateway) RemoveRoute(path, method string) error {
	if err := g.routes.Remove(path, method); err != nil {
		return err
	}
	g.limits.Forget(router.Key(path, method))
	return nil
}

// ReplaceRoutes swaps the route table for routes in the given order and
// drops the limiters of routes that are gone.
func (g *Gateway) ReplaceRoutes(routes []router.Route) error {
	previous := g.routes.Routes()
	if err := g.routes.Replace(routes); err != nil {
		return err
	}

	kept := make(map[string]bool, len(routes))
	for _, r := range g.routes.Routes() {
		kept[r.Key()] = true
	}
	for _, r := range previous {
		if !kept[r.Key()] {
			g.limits.Forget(r.Key())
		}
	}
	return nil
}

// SetRouteEnabled toggles a route.
func (g *Gateway) SetRouteEnabled(path, method string, enabled bool) error {
	return g.routes.SetEnabled(path, method, enabled)
}

// SetRouteRateLimit changes a route's per-client capacity. The route
// limiter is rebuilt on the next request.
func (g *Gateway) SetRouteRateLimit(path, method string, limit int) error {
	return g.routes.SetRateLimit(path, method, limit)
}

// PatchRoute applies the set fields of p to a route in one update.
func (g *Gateway) PatchRoute(path, method string, p router.Patch) error {
	return g.routes.Patch(path, method, p)
}

// AddService registers a backend instance.
func (g *Gateway) AddService(svc *backend.Service) error {
	return g.backends.Add(svc)
}

// SetServiceStatus applies an external health check result.
func (g *Gateway) SetServiceStatus(name, address string, status backend.Status) error {
	return g.backends.SetStatus(name, address, status)
}

// AddMiddleware appends a middleware. Middlewares run in registration
// order before routing.
func (g *Gateway) AddMiddleware(mw Middleware) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.middlewares = append(g.middlewares, mw)
}

func (g *Gateway) middlewareChain() []Middleware {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.middlewares)
}

// Routes returns the registered routes in match order.
func (g *Gateway) Routes() []router.Route {
	return g.routes.Routes()
}

// Backends returns the service registry.
func (g *Gateway) Backends() *backend.Registry {
	return g.backends
}

// Auth returns the auth gate.
func (g *Gateway) Auth() *auth.Gate {
	return g.auth
}

// Metrics returns the metrics collector.
func (g *Gateway) Metrics() *metrics.Collector {
	return g.collector
}

// HealthCheck reports per-service instance health. The gateway is
// degraded while any registered service has no healthy instance.
func (g *Gateway) HealthCheck() HealthReport {
	services := g.backends.Health()
	status := HealthStatusHealthy
	for _, s := range services {
		if s.Healthy == 0 {
			status = HealthStatusDegraded
			break
		}
	}

	return HealthReport{
		Status:    status,
		Timestamp: g.clock.Now(),
		Services:  services,
		Routes:    g.routes.Len(),
	}
}

// Stats returns route and service counts with aggregate metrics.
func (g *Gateway) Stats() Stats {
	return Stats{
		Routes:   g.routes.Len(),
		Services: g.backends.Len(),
		Metrics:  g.collector.Aggregate(),
	}
}

// Close releases the bucket store and any registered closers.
func (g *Gateway) Close() error {
	err := g.limits.Close()
	for _, c := range g.closers {
		err = multierr.Append(err, c.Close())
	}
	return err
}

// contextWithRequest enriches ctx for logging.
func contextWithRequest(ctx context.Context, req *Request, clientID string) context.Context {
	ctx = observability.ContextWithRequestID(ctx, req.ID)
	if clientID != "" {
		ctx = observability.ContextWithClientID(ctx, clientID)
	}
	return ctx
}
