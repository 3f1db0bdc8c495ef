package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/multierr"

	"github.com/vyrodovalexey/avagate/internal/config"
	"github.com/vyrodovalexey/avagate/internal/discovery/consul"
	"github.com/vyrodovalexey/avagate/internal/gateway"
	"github.com/vyrodovalexey/avagate/internal/observability"
	"github.com/vyrodovalexey/avagate/internal/server"
)

// servers holds the two listeners so tests can reach their addresses.
type servers struct {
	ingress *server.Server
	admin   *server.Server
}

func newServers(
	lc fx.Lifecycle,
	cfg *config.GatewayConfig,
	gw *gateway.Gateway,
	gatherer prometheus.Gatherer,
	logger observability.Logger,
) *servers {
	sc := cfg.Server
	listen := func(addr string) server.Config {
		return server.Config{
			Address:      addr,
			ReadTimeout:  sc.ReadTimeout.Duration(),
			WriteTimeout: sc.WriteTimeout.Duration(),
		}
	}

	s := &servers{
		ingress: server.New("ingress", listen(sc.IngressAddress),
			server.NewIngressHandler(gw, server.IngressConfig{
				MaxBodyBytes:      sc.MaxBodyBytes,
				TrustProxyHeaders: sc.TrustProxyHeaders,
				Keys:              gw.Auth().Keys(),
			}, logger), logger),
		admin: server.New("admin", listen(sc.AdminAddress),
			server.NewAdminHandler(gw, gatherer, logger), logger),
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := s.admin.Start(ctx); err != nil {
				return err
			}
			if err := s.ingress.Start(ctx); err != nil {
				return multierr.Append(err, s.admin.Stop(ctx))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return multierr.Append(s.ingress.Stop(ctx), s.admin.Stop(ctx))
		},
	})
	return s
}

func registerConsulSync(
	lc fx.Lifecycle,
	cfg *config.GatewayConfig,
	gw *gateway.Gateway,
	logger observability.Logger,
) error {
	if !cfg.Consul.Enabled {
		return nil
	}

	syncer, err := consul.NewSyncer(consul.Config{
		Address:    cfg.Consul.Address,
		Token:      cfg.Consul.Token,
		Datacenter: cfg.Consul.Datacenter,
		Interval:   cfg.Consul.Interval.Duration(),
	}, gw.Backends(), consul.WithLogger(logger))
	if err != nil {
		return err
	}

	runInBackground(lc, syncer.Run)
	return nil
}

func registerConfigWatcher(
	lc fx.Lifecycle,
	path configFile,
	gw *gateway.Gateway,
	logger observability.Logger,
) error {
	if path == "" {
		return nil
	}

	w, err := config.NewWatcher(string(path), func(previous, current *config.GatewayConfig) {
		if err := config.ApplyChanges(gw, previous, current, logger); err != nil {
			logger.Warn("configuration partially applied", observability.Error(err))
		}
	}, config.WithLogger(logger))
	if err != nil {
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return w.Start(context.Background())
		},
		OnStop: func(context.Context) error {
			return w.Stop()
		},
	})
	return nil
}

// runInBackground runs fn from start until stop, waiting for it to
// return.
func runInBackground(lc fx.Lifecycle, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() { done <- fn(ctx) }()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case err := <-done:
				return err
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
