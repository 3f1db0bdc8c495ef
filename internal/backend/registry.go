package backend

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/vyrodovalexey/avagate/internal/observability"
	"github.com/vyrodovalexey/avagate/internal/util"
)

// HealthSummary counts the instances of one service by status.
type HealthSummary struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
}

// Registry maps service names to their ordered instances and owns one
// LoadBalancer per name.
type Registry struct {
	mu        sync.RWMutex
	services  map[string][]*Service
	balancers map[string]*LoadBalancer
	strategy  Strategy
	lbOpts    []LoadBalancerOption
	logger    observability.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithStrategy sets the strategy of balancers created by the registry.
func WithStrategy(s Strategy) RegistryOption {
	return func(r *Registry) {
		r.strategy = s
	}
}

// WithLoadBalancerOptions passes options to every balancer the registry
// creates.
func WithLoadBalancerOptions(opts ...LoadBalancerOption) RegistryOption {
	return func(r *Registry) {
		r.lbOpts = append(r.lbOpts, opts...)
	}
}

// WithRegistryLogger sets the logger.
func WithRegistryLogger(logger observability.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		services:  make(map[string][]*Service),
		balancers: make(map[string]*LoadBalancer),
		strategy:  RoundRobin,
		logger:    observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers an instance. A zero weight becomes DefaultWeight; a
// second instance with the same name and address is rejected.
func (r *Registry) Add(svc *Service) error {
	switch {
	case svc == nil:
		return util.NewConfigError("service", "service is nil")
	case svc.Name == "":
		return util.NewConfigError("name", "service name is required")
	case svc.Address == "":
		return util.NewConfigError("address", fmt.Sprintf("address is required for service %s", svc.Name))
	case svc.Weight < 0:
		return util.NewConfigError("weight", fmt.Sprintf("weight must be positive, got %d", svc.Weight))
	}
	if svc.Weight == 0 {
		svc.Weight = DefaultWeight
	}
	if svc.HealthCheckPath == "" {
		svc.HealthCheckPath = DefaultHealthCheckPath
	}
	if svc.HealthCheckInterval == 0 {
		svc.HealthCheckInterval = DefaultHealthCheckInterval
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.services[svc.Name] {
		if existing.Address == svc.Address {
			return util.NewConfigError("address",
				fmt.Sprintf("duplicate instance %s for service %s", svc.Address, svc.Name))
		}
	}

	r.services[svc.Name] = append(r.services[svc.Name], svc)
	if _, ok := r.balancers[svc.Name]; !ok {
		r.balancers[svc.Name] = NewLoadBalancer(r.strategy, r.lbOpts...)
	}

	r.logger.Info("registered service instance",
		observability.String("service", svc.Name),
		observability.String("address", svc.Address),
		observability.Int("weight", svc.Weight),
	)

	return nil
}

// Remove deregisters an instance and reports whether it existed.
func (r *Registry) Remove(name, address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	instances := r.services[name]
	idx := slices.IndexFunc(instances, func(s *Service) bool { return s.Address == address })
	if idx < 0 {
		return false
	}

	instances = slices.Delete(slices.Clone(instances), idx, idx+1)
	if len(instances) == 0 {
		delete(r.services, name)
		delete(r.balancers, name)
	} else {
		r.services[name] = instances
	}
	return true
}

// Select picks a healthy instance of the named service.
func (r *Registry) Select(name string) (*Service, error) {
	r.mu.RLock()
	instances := r.services[name]
	lb := r.balancers[name]
	r.mu.RUnlock()

	if lb == nil {
		return nil, util.NewBackendError(name, "service not registered")
	}

	svc := lb.Select(instances)
	if svc == nil {
		return nil, util.NewBackendError(name, "no healthy instance")
	}
	return svc, nil
}

// Instances returns the instances of the named service in registration
// order.
func (r *Registry) Instances(name string) []*Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.services[name])
}

// Find returns the instance of name at address.
func (r *Registry) Find(name, address string) (*Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.services[name] {
		if s.Address == address {
			return s, true
		}
	}
	return nil, false
}

// SetStatus updates the status of one instance.
func (r *Registry) SetStatus(name, address string, status Status) error {
	svc, ok := r.Find(name, address)
	if !ok {
		return fmt.Errorf("instance %s of service %s: %w", address, name, util.ErrNotFound)
	}

	if svc.Status() != status {
		r.logger.Info("service instance status changed",
			observability.String("service", name),
			observability.String("address", address),
			observability.String("status", status.String()),
		)
	}
	svc.SetStatus(status)
	return nil
}

// Names returns the distinct service names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of distinct service names.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}

// Health summarizes instance status per service name.
func (r *Registry) Health() map[string]HealthSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]HealthSummary, len(r.services))
	for name, instances := range r.services {
		summary := HealthSummary{Total: len(instances)}
		for _, s := range instances {
			if s.IsHealthy() {
				summary.Healthy++
			} else {
				summary.Unhealthy++
			}
		}
		out[name] = summary
	}
	return out
}
