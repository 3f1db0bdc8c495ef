package router

import (
	"fmt"
	"sync"
	"time"

	"github.com/vyrodovalexey/avagate/internal/observability"
	"github.com/vyrodovalexey/avagate/internal/util"
)

// Table is an ordered route table. Match returns the first enabled route
// in registration order, so specific routes must be added before
// catch-alls.
type Table struct {
	routes []*compiledRoute
	index  map[string]*compiledRoute
	mu     sync.RWMutex
	logger observability.Logger
}

type compiledRoute struct {
	route   Route
	matcher PathMatcher
}

// Option configures a Table.
type Option func(*Table)

// WithLogger sets the logger used for registration events.
func WithLogger(logger observability.Logger) Option {
	return func(t *Table) {
		t.logger = logger
	}
}

// NewTable creates an empty route table.
func NewTable(opts ...Option) *Table {
	t := &Table{
		routes: make([]*compiledRoute, 0),
		index:  make(map[string]*compiledRoute),
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Add validates and compiles a route and appends it to the table.
// Malformed templates and duplicate (path, method) pairs are rejected.
func (t *Table) Add(route Route) error {
	compiled, err := compileRoute(route)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := compiled.route.Key()
	if _, exists := t.index[key]; exists {
		return util.NewConfigError("path", fmt.Sprintf("duplicate route: %s", key))
	}

	t.register(compiled)
	getRouterMetrics().routes.Set(float64(len(t.routes)))
	return nil
}

// Replace swaps the whole table for routes, kept in the given order.
// Nothing changes when any route is invalid or duplicated.
func (t *Table) Replace(routes []Route) error {
	compiled := make([]*compiledRoute, 0, len(routes))
	seen := make(map[string]bool, len(routes))
	for _, route := range routes {
		c, err := compileRoute(route)
		if err != nil {
			return err
		}
		key := c.route.Key()
		if seen[key] {
			return util.NewConfigError("path", fmt.Sprintf("duplicate route: %s", key))
		}
		seen[key] = true
		compiled = append(compiled, c)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.routes = make([]*compiledRoute, 0, len(compiled))
	t.index = make(map[string]*compiledRoute, len(compiled))
	for _, c := range compiled {
		t.register(c)
	}
	getRouterMetrics().routes.Set(float64(len(t.routes)))
	return nil
}

func compileRoute(route Route) (*compiledRoute, error) {
	route.applyDefaults()
	if err := validateRoute(&route); err != nil {
		return nil, err
	}

	matcher, err := NewPathMatcher(route.Path)
	if err != nil {
		return nil, util.NewConfigErrorWithCause("path", fmt.Sprintf("failed to compile route %s", route.Path), err)
	}
	return &compiledRoute{route: route, matcher: matcher}, nil
}

// register appends a compiled route. Caller must hold the lock.
func (t *Table) register(c *compiledRoute) {
	key := c.route.Key()
	if shadow := t.shadowedBy(&c.route); shadow != nil {
		t.logger.Warn("route is shadowed by an earlier route",
			observability.String("route", key),
			observability.String("shadowed_by", shadow.route.Key()),
		)
	}

	t.routes = append(t.routes, c)
	t.index[key] = c

	t.logger.Debug("route registered",
		observability.String("route", key),
		observability.String("matcher", c.matcher.Type()),
		observability.String("service", c.route.ServiceName),
	)
}

// shadowedBy returns an earlier route that would always win over a new
// literal route. Caller must hold the lock.
func (t *Table) shadowedBy(route *Route) *compiledRoute {
	if IsTemplate(route.Path) {
		return nil
	}
	for _, existing := range t.routes {
		if existing.route.Method != MethodAny && existing.route.Method != route.Method {
			continue
		}
		if existing.matcher.Match(route.Path) {
			return existing
		}
	}
	return nil
}

func validateRoute(route *Route) error {
	switch {
	case route.Path == "":
		return util.NewConfigError("path", "path is required")
	case route.ServiceName == "":
		return util.NewConfigError("serviceName", fmt.Sprintf("service name is required for route %s", route.Path))
	case route.RateLimit < 0:
		return util.NewConfigError("rateLimit", fmt.Sprintf("rate limit must be positive, got %d", route.RateLimit))
	case route.Timeout < 0:
		return util.NewConfigError("timeout", fmt.Sprintf("timeout must be positive, got %s", route.Timeout))
	case route.RetryCount < 0:
		return util.NewConfigError("retryCount", fmt.Sprintf("retry count must not be negative, got %d", route.RetryCount))
	}
	return nil
}

// Remove deletes a route from the table.
func (t *Table) Remove(path, method string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := Key(path, method)
	if _, exists := t.index[key]; !exists {
		return util.NewRouteNotFoundError(method, path)
	}
	delete(t.index, key)

	for i, r := range t.routes {
		if r.route.Key() == key {
			t.routes = append(t.routes[:i], t.routes[i+1:]...)
			break
		}
	}
	getRouterMetrics().routes.Set(float64(len(t.routes)))

	return nil
}

// Match returns a copy of the first enabled route accepting the request.
func (t *Table) Match(path, method string) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, r := range t.routes {
		if !r.route.Enabled() || !r.route.allowsMethod(method) {
			continue
		}
		if r.matcher.Match(path) {
			getRouterMetrics().lookups.WithLabelValues("hit").Inc()
			return r.route, true
		}
	}

	getRouterMetrics().lookups.WithLabelValues("miss").Inc()
	return Route{}, false
}

// Lookup is Match returning a RouteNotFoundError on a miss.
func (t *Table) Lookup(path, method string) (Route, error) {
	route, ok := t.Match(path, method)
	if !ok {
		return Route{}, util.NewRouteNotFoundError(method, path)
	}
	return route, nil
}

// Get returns the route registered under (path, method).
func (t *Table) Get(path, method string) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r, ok := t.index[Key(path, method)]
	if !ok {
		return Route{}, false
	}
	return r.route, true
}

// SetEnabled toggles a registered route.
func (t *Table) SetEnabled(path, method string, enabled bool) error {
	return t.update(path, method, func(r *Route) error {
		r.Disabled = !enabled
		return nil
	})
}

// SetRateLimit changes the per-client capacity of a registered route.
func (t *Table) SetRateLimit(path, method string, limit int) error {
	return t.update(path, method, func(r *Route) error {
		if limit <= 0 {
			return util.NewConfigError("rateLimit", fmt.Sprintf("rate limit must be positive, got %d", limit))
		}
		r.RateLimit = limit
		return nil
	})
}

// SetTimeout changes the forwarding timeout of a registered route.
func (t *Table) SetTimeout(path, method string, timeout time.Duration) error {
	return t.update(path, method, func(r *Route) error {
		if timeout <= 0 {
			return util.NewConfigError("timeout", fmt.Sprintf("timeout must be positive, got %s", timeout))
		}
		r.Timeout = timeout
		return nil
	})
}

// Patch holds optional route field changes applied as one update.
type Patch struct {
	Enabled   *bool
	RateLimit *int
}

// Patch applies every set field of p or, when one is invalid, none.
func (t *Table) Patch(path, method string, p Patch) error {
	return t.update(path, method, func(r *Route) error {
		if p.RateLimit != nil {
			if *p.RateLimit <= 0 {
				return util.NewConfigError("rateLimit", fmt.Sprintf("rate limit must be positive, got %d", *p.RateLimit))
			}
			r.RateLimit = *p.RateLimit
		}
		if p.Enabled != nil {
			r.Disabled = !*p.Enabled
		}
		return nil
	})
}

func (t *Table) update(path, method string, fn func(*Route) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.index[Key(path, method)]
	if !ok {
		return util.NewRouteNotFoundError(method, path)
	}

	updated := r.route
	if err := fn(&updated); err != nil {
		return err
	}
	r.route = updated
	return nil
}

// Routes returns copies of all routes in registration order.
func (t *Table) Routes() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()

	routes := make([]Route, 0, len(t.routes))
	for _, r := range t.routes {
		routes = append(routes, r.route)
	}
	return routes
}

// Len returns the number of registered routes, enabled or not.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}
