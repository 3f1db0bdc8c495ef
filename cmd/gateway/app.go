package main

import (
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/vyrodovalexey/avagate/internal/auth"
	"github.com/vyrodovalexey/avagate/internal/backend"
	"github.com/vyrodovalexey/avagate/internal/config"
	"github.com/vyrodovalexey/avagate/internal/gateway"
	"github.com/vyrodovalexey/avagate/internal/metrics"
	"github.com/vyrodovalexey/avagate/internal/observability"
	"github.com/vyrodovalexey/avagate/internal/ratelimit/store"
)

// redisConnectTimeout bounds the initial Redis connection retries.
const redisConnectTimeout = 30 * time.Second

// configFile is the path the reload watcher follows; empty disables it.
type configFile string

// appOptions wires every component of the gateway process.
func appOptions(cfg *config.GatewayConfig, path string, logger observability.Logger) fx.Option {
	return fx.Options(
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Zap()}
		}),
		fx.StopTimeout(cfg.Server.ShutdownTimeout.Duration()),
		fx.Provide(
			func() *config.GatewayConfig { return cfg },
			func() observability.Logger { return logger },
			func() configFile { return configFile(path) },
			newTracer,
			newRateLimitStore,
			newAuthGate,
			newForwarder,
			newGateway,
			newGatherer,
			newServers,
		),
		fx.Invoke(
			func(*servers) {},
			registerConsulSync,
			registerConfigWatcher,
		),
	)
}

func newTracer(lc fx.Lifecycle, cfg *config.GatewayConfig) (*observability.Tracer, error) {
	tracer, err := observability.NewTracer(context.Background(), observability.TracerConfig{
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
		Enabled:      cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	lc.Append(fx.Hook{OnStop: tracer.Shutdown})
	return tracer, nil
}

// newRateLimitStore builds the bucket store. The gateway closes it.
func newRateLimitStore(cfg *config.GatewayConfig, logger observability.Logger) (store.Store, error) {
	rl := cfg.RateLimit
	if rl.Store != config.StoreRedis {
		return store.NewMemoryStore(rl.MemorySize)
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisConnectTimeout)
	defer cancel()

	redisCfg := store.DefaultRedisConfig()
	redisCfg.Address = rl.Redis.Address
	redisCfg.Password = rl.Redis.Password
	redisCfg.DB = rl.Redis.DB
	redisCfg.Prefix = rl.Redis.KeyPrefix
	redisCfg.Logger = logger.Zap()

	s, err := store.NewRedisStoreWithConfig(ctx, redisCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect rate limit store: %w", err)
	}
	logger.Info("using redis rate limit store", observability.String("address", rl.Redis.Address))
	return s, nil
}

// newAuthGate builds the API key store and bearer verifier. Vault keys
// are loaded when the application starts.
func newAuthGate(lc fx.Lifecycle, cfg *config.GatewayConfig, logger observability.Logger) (*auth.Gate, error) {
	keys := auth.NewKeyStore()
	opts := []auth.GateOption{auth.WithGateLogger(logger)}

	if cfg.Auth.Verifier == config.VerifierJWT {
		verifier, err := newJWTVerifier(cfg.Auth.JWT)
		if err != nil {
			return nil, err
		}
		opts = append(opts, auth.WithVerifier(verifier))
	}

	if v := cfg.Auth.Vault; v.Enabled {
		source, err := auth.NewVaultSource(auth.VaultConfig{
			Address:   v.Address,
			Token:     v.Token,
			Namespace: v.Namespace,
			Mount:     v.Mount,
			Path:      v.Path,
		}, logger)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.Hook{OnStart: func(ctx context.Context) error {
			n, err := source.Load(ctx, keys)
			if err != nil {
				return fmt.Errorf("failed to load api keys from vault: %w", err)
			}
			logger.Info("loaded api keys from vault", observability.Int("keys", n))
			return nil
		}})
	}

	return auth.NewGate(keys, opts...), nil
}

func newJWTVerifier(cfg config.JWTConfig) (*auth.JWTVerifier, error) {
	var opts []auth.JWTOption
	if cfg.Issuer != "" {
		opts = append(opts, auth.WithIssuer(cfg.Issuer))
	}
	if cfg.AcceptableSkew > 0 {
		opts = append(opts, auth.WithAcceptableSkew(cfg.AcceptableSkew.Duration()))
	}
	if cfg.Algorithm != "" {
		var alg jwa.SignatureAlgorithm
		if err := alg.Accept(cfg.Algorithm); err != nil {
			return nil, fmt.Errorf("invalid jwt algorithm: %w", err)
		}
		opts = append(opts, auth.WithAlgorithm(alg))
	}
	return auth.NewJWTVerifier([]byte(cfg.Secret), opts...)
}

func newForwarder(cfg *config.GatewayConfig, logger observability.Logger) backend.Forwarder {
	if cfg.Server.Forwarder == config.ForwarderHTTP {
		return backend.NewHTTPForwarder(backend.WithForwarderLogger(logger))
	}
	return backend.SimulatedForwarder{}
}

type gatewayParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    *config.GatewayConfig
	Logger    observability.Logger
	Tracer    *observability.Tracer
	Store     store.Store
	Gate      *auth.Gate
	Forwarder backend.Forwarder
}

func newGateway(p gatewayParams) (*gateway.Gateway, error) {
	cfg := p.Config

	strategy, err := backend.ParseStrategy(cfg.LoadBalancer.Strategy)
	if err != nil {
		return nil, err
	}

	gw, err := gateway.New(
		gateway.WithLogger(p.Logger),
		gateway.WithTracer(p.Tracer),
		gateway.WithRateLimitStore(p.Store),
		gateway.WithRateLimitWindow(cfg.RateLimit.Window.Duration()),
		gateway.WithStrategy(strategy),
		gateway.WithAuthGate(p.Gate),
		gateway.WithForwarder(p.Forwarder),
		gateway.WithBreakers(cfg.CircuitBreaker.BreakerConfig()),
	)
	if err != nil {
		return nil, err
	}
	p.Lifecycle.Append(fx.Hook{OnStop: func(context.Context) error {
		return gw.Close()
	}})

	if err := config.Apply(gw, cfg); err != nil {
		return nil, fmt.Errorf("failed to apply configuration: %w", err)
	}

	mws, err := buildMiddlewares(cfg.Middleware, p.Logger)
	if err != nil {
		return nil, err
	}
	for _, mw := range mws {
		gw.AddMiddleware(mw)
	}

	return gw, nil
}

// newGatherer publishes route metrics next to the process-wide
// collectors.
func newGatherer(gw *gateway.Gateway) (prometheus.Gatherer, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(metrics.NewExporter(gw.Metrics())); err != nil {
		return nil, err
	}
	return prometheus.Gatherers{prometheus.DefaultGatherer, reg}, nil
}
