// Package consul feeds instance health from a Consul catalog into the
// backend registry. Consul is a status source only: instances are still
// declared in the gateway configuration, and the syncer flips their
// healthy flag to match the aggregated Consul check status.
package consul

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	consulapi "github.com/hashicorp/consul/api"
	"golang.org/x/sync/errgroup"

	"github.com/vyrodovalexey/avagate/internal/backend"
	"github.com/vyrodovalexey/avagate/internal/observability"
)

// DefaultInterval is the poll period when none is configured.
const DefaultInterval = 10 * time.Second

// maxConcurrentQueries bounds the per-service health queries of one sync.
const maxConcurrentQueries = 8

// Registry is the part of backend.Registry the syncer drives.
type Registry interface {
	Names() []string
	Instances(name string) []*backend.Service
	SetStatus(name, address string, status backend.Status) error
}

// Config locates the Consul agent.
type Config struct {
	Address    string
	Token      string
	Datacenter string
	Interval   time.Duration
}

// Syncer polls Consul and applies instance health to a Registry.
type Syncer struct {
	client   *consulapi.Client
	registry Registry
	cfg      Config
	clock    clock.Clock
	logger   observability.Logger
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithClock sets the clock driving the poll ticker.
func WithClock(c clock.Clock) Option {
	return func(s *Syncer) {
		s.clock = c
	}
}

// WithLogger sets the syncer logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Syncer) {
		s.logger = logger
	}
}

// NewClient builds a Consul API client for cfg.
func NewClient(cfg Config) (*consulapi.Client, error) {
	apiCfg := consulapi.DefaultConfig()
	if cfg.Address != "" {
		apiCfg.Address = cfg.Address
	}
	if cfg.Token != "" {
		apiCfg.Token = cfg.Token
	}
	if cfg.Datacenter != "" {
		apiCfg.Datacenter = cfg.Datacenter
	}

	client, err := consulapi.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}
	return client, nil
}

// NewSyncer creates a syncer with its own Consul client.
func NewSyncer(cfg Config, registry Registry, opts ...Option) (*Syncer, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewSyncerWithClient(client, cfg, registry, opts...), nil
}

// NewSyncerWithClient creates a syncer around an existing client.
func NewSyncerWithClient(client *consulapi.Client, cfg Config, registry Registry, opts ...Option) *Syncer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}

	s := &Syncer{
		client:   client,
		registry: registry,
		cfg:      cfg,
		clock:    clock.New(),
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run syncs immediately and then once per interval until ctx ends.
// Failed syncs are logged and retried on the next tick.
func (s *Syncer) Run(ctx context.Context) error {
	s.logger.Info("starting consul health sync",
		observability.Duration("interval", s.cfg.Interval),
	)

	ticker := s.clock.Ticker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := s.Sync(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("consul health sync failed", observability.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sync queries every registered service once and applies the result.
// Services Consul does not know are left untouched. Instances of a known
// service that Consul does not list are marked unhealthy.
func (s *Syncer) Sync(ctx context.Context) error {
	names := s.registry.Names()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentQueries)

	errs := make([]error, len(names))
	for i, name := range names {
		g.Go(func() error {
			errs[i] = s.syncService(gctx, name)
			return nil
		})
	}
	_ = g.Wait()

	err := errors.Join(errs...)
	result := "success"
	if err != nil {
		result = "error"
	}
	getDiscoveryMetrics().syncs.WithLabelValues(result).Inc()
	return err
}

func (s *Syncer) syncService(ctx context.Context, name string) error {
	q := (&consulapi.QueryOptions{Datacenter: s.cfg.Datacenter}).WithContext(ctx)
	entries, _, err := s.client.Health().Service(name, "", false, q)
	if err != nil {
		return fmt.Errorf("query health of %s: %w", name, err)
	}
	if len(entries) == 0 {
		s.logger.Debug("service unknown to consul", observability.String("service", name))
		return nil
	}

	statuses := make(map[string]backend.Status, len(entries))
	for _, e := range entries {
		addr := entryAddress(e)
		if addr == "" {
			continue
		}
		statuses[addr] = entryStatus(e)
	}

	for _, svc := range s.registry.Instances(name) {
		status, ok := statuses[svc.Address]
		if !ok {
			status = backend.StatusUnhealthy
		}
		if svc.Status() == status {
			continue
		}
		if err := s.registry.SetStatus(name, svc.Address, status); err != nil {
			return err
		}
		getDiscoveryMetrics().transitions.WithLabelValues(name, status.String()).Inc()
		s.logger.Info("instance status changed by consul",
			observability.String("service", name),
			observability.String("address", svc.Address),
			observability.String("status", status.String()),
		)
	}
	return nil
}

// entryAddress is the host:port of an entry, falling back to the node
// address when the service registered none.
func entryAddress(e *consulapi.ServiceEntry) string {
	if e.Service == nil {
		return ""
	}
	host := e.Service.Address
	if host == "" && e.Node != nil {
		host = e.Node.Address
	}
	if host == "" {
		return ""
	}
	return net.JoinHostPort(host, strconv.Itoa(e.Service.Port))
}

// entryStatus treats passing and warning as healthy.
func entryStatus(e *consulapi.ServiceEntry) backend.Status {
	switch e.Checks.AggregatedStatus() {
	case consulapi.HealthPassing, consulapi.HealthWarning:
		return backend.StatusHealthy
	default:
		return backend.StatusUnhealthy
	}
}
