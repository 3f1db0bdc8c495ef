package config

import (
	"maps"
	"time"

	"github.com/vyrodovalexey/avagate/internal/backend"
	"github.com/vyrodovalexey/avagate/internal/router"
)

// Rate limit store kinds.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Bearer token verifier kinds.
const (
	VerifierStructural = "structural"
	VerifierJWT        = "jwt"
)

// Forwarder kinds.
const (
	ForwarderSimulated = "simulated"
	ForwarderHTTP      = "http"
)

// GatewayConfig is the root of the gateway configuration file.
type GatewayConfig struct {
	Logging        LoggingConfig        `yaml:"logging" json:"logging"`
	Tracing        TracingConfig        `yaml:"tracing" json:"tracing"`
	Server         ServerConfig         `yaml:"server" json:"server"`
	LoadBalancer   LoadBalancerConfig   `yaml:"loadBalancer" json:"loadBalancer"`
	RateLimit      RateLimitConfig      `yaml:"rateLimit" json:"rateLimit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker" json:"circuitBreaker"`
	Auth           AuthConfig           `yaml:"auth" json:"auth"`
	Consul         ConsulConfig         `yaml:"consul" json:"consul"`
	Middleware     MiddlewareConfig     `yaml:"middleware" json:"middleware"`
	Routes         []RouteConfig        `yaml:"routes" json:"routes"`
	Services       []ServiceConfig      `yaml:"services" json:"services"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	ServiceName  string  `yaml:"serviceName" json:"serviceName"`
	OTLPEndpoint string  `yaml:"otlpEndpoint" json:"otlpEndpoint"`
	SamplingRate float64 `yaml:"samplingRate" json:"samplingRate"`
}

// ServerConfig configures the HTTP listeners and the backend transport.
type ServerConfig struct {
	IngressAddress  string   `yaml:"ingressAddress" json:"ingressAddress"`
	AdminAddress    string   `yaml:"adminAddress" json:"adminAddress"`
	ReadTimeout     Duration `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout    Duration `yaml:"writeTimeout" json:"writeTimeout"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`
	MaxBodyBytes    int64    `yaml:"maxBodyBytes" json:"maxBodyBytes"`
	// TrustProxyHeaders takes the client identity from X-Client-ID and
	// X-Forwarded-For. Leave it off unless a proxy controls them.
	TrustProxyHeaders bool `yaml:"trustProxyHeaders" json:"trustProxyHeaders"`
	// Forwarder is "simulated" or "http".
	Forwarder string `yaml:"forwarder" json:"forwarder"`
}

// LoadBalancerConfig selects the balancing strategy.
type LoadBalancerConfig struct {
	Strategy string `yaml:"strategy" json:"strategy"`
}

// RateLimitConfig selects where token buckets live.
type RateLimitConfig struct {
	// Store is "memory" or "redis".
	Store      string      `yaml:"store" json:"store"`
	Window     Duration    `yaml:"window" json:"window"`
	MemorySize int         `yaml:"memorySize" json:"memorySize"`
	Redis      RedisConfig `yaml:"redis" json:"redis"`
}

// RedisConfig configures the shared bucket store.
type RedisConfig struct {
	Address   string `yaml:"address" json:"address"`
	Password  string `yaml:"password" json:"-"`
	DB        int    `yaml:"db" json:"db"`
	KeyPrefix string `yaml:"keyPrefix" json:"keyPrefix"`
}

// CircuitBreakerConfig configures per-instance breakers.
type CircuitBreakerConfig struct {
	Enabled      bool     `yaml:"enabled" json:"enabled"`
	Threshold    int      `yaml:"threshold" json:"threshold"`
	Timeout      Duration `yaml:"timeout" json:"timeout"`
	FailureRatio float64  `yaml:"failureRatio" json:"failureRatio"`
}

// AuthConfig configures API keys and bearer verification.
type AuthConfig struct {
	APIKeys  []APIKeyConfig `yaml:"apiKeys" json:"apiKeys"`
	Verifier string         `yaml:"verifier" json:"verifier"`
	JWT      JWTConfig      `yaml:"jwt" json:"jwt"`
	Vault    VaultConfig    `yaml:"vault" json:"vault"`
}

// APIKeyConfig is a statically configured API key.
type APIKeyConfig struct {
	Key      string   `yaml:"key" json:"-"`
	ClientID string   `yaml:"clientId" json:"clientId"`
	Scopes   []string `yaml:"scopes" json:"scopes"`
}

// JWTConfig configures signed bearer token verification.
type JWTConfig struct {
	Secret         string   `yaml:"secret" json:"-"`
	Issuer         string   `yaml:"issuer" json:"issuer"`
	Algorithm      string   `yaml:"algorithm" json:"algorithm"`
	AcceptableSkew Duration `yaml:"acceptableSkew" json:"acceptableSkew"`
}

// VaultConfig locates the API key secret in Vault.
type VaultConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Address   string `yaml:"address" json:"address"`
	Token     string `yaml:"token" json:"-"`
	Namespace string `yaml:"namespace" json:"namespace"`
	Mount     string `yaml:"mount" json:"mount"`
	Path      string `yaml:"path" json:"path"`
}

// ConsulConfig configures the instance status feeder.
type ConsulConfig struct {
	Enabled    bool     `yaml:"enabled" json:"enabled"`
	Address    string   `yaml:"address" json:"address"`
	Token      string   `yaml:"token" json:"-"`
	Datacenter string   `yaml:"datacenter" json:"datacenter"`
	Interval   Duration `yaml:"interval" json:"interval"`
}

// MiddlewareConfig enables the pre-routing filters, applied in the order
// request id, logging, throttle, CORS, expressions.
type MiddlewareConfig struct {
	RequestID   bool           `yaml:"requestId" json:"requestId"`
	Logging     bool           `yaml:"logging" json:"logging"`
	Throttle    ThrottleConfig `yaml:"throttle" json:"throttle"`
	CORS        CORSConfig     `yaml:"cors" json:"cors"`
	Expressions []string       `yaml:"expressions" json:"expressions"`
}

// ThrottleConfig caps the global request rate.
type ThrottleConfig struct {
	Enabled bool    `yaml:"enabled" json:"enabled"`
	RPS     float64 `yaml:"rps" json:"rps"`
	Burst   int     `yaml:"burst" json:"burst"`
}

// CORSConfig configures the origin allow-list.
type CORSConfig struct {
	Enabled      bool     `yaml:"enabled" json:"enabled"`
	AllowOrigins []string `yaml:"allowOrigins" json:"allowOrigins"`
}

// RouteConfig is one route entry.
type RouteConfig struct {
	Path          string   `yaml:"path" json:"path"`
	Method        string   `yaml:"method" json:"method"`
	ServiceName   string   `yaml:"serviceName" json:"serviceName"`
	TargetURL     string   `yaml:"targetUrl" json:"targetUrl"`
	Timeout       Duration `yaml:"timeout" json:"timeout"`
	RetryCount    *int     `yaml:"retryCount" json:"retryCount,omitempty"`
	RateLimit     int      `yaml:"rateLimit" json:"rateLimit"`
	AuthRequired  bool     `yaml:"authRequired" json:"authRequired"`
	RequiredScope string   `yaml:"requiredScope" json:"requiredScope"`
	Disabled      bool     `yaml:"disabled" json:"disabled"`
}

// ToRoute converts the entry into a router.Route with defaults applied.
func (r RouteConfig) ToRoute() router.Route {
	route := router.NewRoute(r.Path, r.Method, r.ServiceName)
	route.TargetURL = r.TargetURL
	route.AuthRequired = r.AuthRequired
	route.RequiredScope = r.RequiredScope
	route.Disabled = r.Disabled
	if r.Timeout > 0 {
		route.Timeout = r.Timeout.Duration()
	}
	if r.RetryCount != nil {
		route.RetryCount = *r.RetryCount
	}
	if r.RateLimit != 0 {
		route.RateLimit = r.RateLimit
	}
	return route
}

// ServiceConfig is one service instance entry.
type ServiceConfig struct {
	Name                string            `yaml:"name" json:"name"`
	Address             string            `yaml:"address" json:"address"`
	HealthCheckPath     string            `yaml:"healthCheckPath" json:"healthCheckPath"`
	HealthCheckInterval Duration          `yaml:"healthCheckInterval" json:"healthCheckInterval"`
	Weight              int               `yaml:"weight" json:"weight"`
	Metadata            map[string]string `yaml:"metadata" json:"metadata"`
}

// ToService converts the entry into a healthy backend.Service.
func (s ServiceConfig) ToService() *backend.Service {
	svc := backend.NewService(s.Name, s.Address)
	if s.HealthCheckPath != "" {
		svc.HealthCheckPath = s.HealthCheckPath
	}
	if s.HealthCheckInterval > 0 {
		svc.HealthCheckInterval = s.HealthCheckInterval.Duration()
	}
	if s.Weight != 0 {
		svc.Weight = s.Weight
	}
	if len(s.Metadata) > 0 {
		svc.Metadata = maps.Clone(s.Metadata)
	}
	return svc
}

// Defaults.
const (
	DefaultIngressAddress  = ":8080"
	DefaultAdminAddress    = ":9090"
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultShutdownTimeout = 15 * time.Second
	DefaultMaxBodyBytes    = 10 << 20
	DefaultServiceName     = "avagate"
	DefaultConsulInterval  = 10 * time.Second
	DefaultRedisKeyPrefix  = "avagate:ratelimit:"
	DefaultVaultMount      = "secret"
)

// DefaultConfig returns a configuration with every default applied and
// no routes or services.
func DefaultConfig() *GatewayConfig {
	cfg := &GatewayConfig{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields.
func (c *GatewayConfig) ApplyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = DefaultServiceName
	}
	if c.Tracing.SamplingRate == 0 {
		c.Tracing.SamplingRate = 1
	}

	c.Server.applyDefaults()

	if c.LoadBalancer.Strategy == "" {
		c.LoadBalancer.Strategy = backend.RoundRobin.String()
	}

	if c.RateLimit.Store == "" {
		c.RateLimit.Store = StoreMemory
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = Duration(time.Minute)
	}
	if c.RateLimit.MemorySize == 0 {
		c.RateLimit.MemorySize = 100_000
	}
	if c.RateLimit.Redis.KeyPrefix == "" {
		c.RateLimit.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}

	def := backend.DefaultBreakerConfig()
	if c.CircuitBreaker.Threshold == 0 {
		c.CircuitBreaker.Threshold = def.Threshold
	}
	if c.CircuitBreaker.Timeout == 0 {
		c.CircuitBreaker.Timeout = Duration(def.Timeout)
	}
	if c.CircuitBreaker.FailureRatio == 0 {
		c.CircuitBreaker.FailureRatio = def.FailureRatio
	}

	if c.Auth.Verifier == "" {
		c.Auth.Verifier = VerifierStructural
	}
	if c.Auth.Vault.Mount == "" {
		c.Auth.Vault.Mount = DefaultVaultMount
	}

	if c.Consul.Interval == 0 {
		c.Consul.Interval = Duration(DefaultConsulInterval)
	}

	if c.Middleware.Throttle.Burst == 0 {
		c.Middleware.Throttle.Burst = int(c.Middleware.Throttle.RPS)
	}
}

func (s *ServerConfig) applyDefaults() {
	if s.IngressAddress == "" {
		s.IngressAddress = DefaultIngressAddress
	}
	if s.AdminAddress == "" {
		s.AdminAddress = DefaultAdminAddress
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = Duration(DefaultReadTimeout)
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = Duration(DefaultWriteTimeout)
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = Duration(DefaultShutdownTimeout)
	}
	if s.MaxBodyBytes == 0 {
		s.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if s.Forwarder == "" {
		s.Forwarder = ForwarderSimulated
	}
}

// BreakerConfig converts the section for the backend package.
func (c CircuitBreakerConfig) BreakerConfig() backend.BreakerConfig {
	return backend.BreakerConfig{
		Enabled:      c.Enabled,
		Threshold:    c.Threshold,
		Timeout:      c.Timeout.Duration(),
		FailureRatio: c.FailureRatio,
	}
}
