package config

import (
	"fmt"
	"strings"

	"github.com/vyrodovalexey/avagate/internal/auth"
	"github.com/vyrodovalexey/avagate/internal/backend"
	"github.com/vyrodovalexey/avagate/internal/router"
)

// ValidationError is one configuration problem.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors collects every problem found in one pass.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// HasErrors reports whether any problem was recorded.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

type validator struct {
	errors ValidationErrors
}

func (v *validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}

// Validate checks cfg and returns ValidationErrors listing every
// problem, or nil.
func Validate(cfg *GatewayConfig) error {
	v := &validator{}
	if cfg == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validateLogging(&cfg.Logging)
	v.validateTracing(&cfg.Tracing)
	v.validateServer(&cfg.Server)
	v.validateLoadBalancer(&cfg.LoadBalancer)
	v.validateRateLimit(&cfg.RateLimit)
	v.validateCircuitBreaker(&cfg.CircuitBreaker)
	v.validateAuth(&cfg.Auth)
	v.validateConsul(&cfg.Consul)
	v.validateMiddleware(&cfg.Middleware)
	v.validateRoutes(cfg.Routes)
	v.validateServices(cfg.Services)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *validator) validateLogging(l *LoggingConfig) {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "error":
	default:
		v.addError("logging.level", fmt.Sprintf("unknown level %q", l.Level))
	}
	switch l.Format {
	case "json", "console":
	default:
		v.addError("logging.format", "format must be json or console")
	}
}

func (v *validator) validateTracing(t *TracingConfig) {
	if t.SamplingRate < 0 || t.SamplingRate > 1 {
		v.addError("tracing.samplingRate", "sampling rate must be between 0 and 1")
	}
	if t.Enabled && t.OTLPEndpoint == "" {
		v.addError("tracing.otlpEndpoint", "endpoint is required when tracing is enabled")
	}
}

func (v *validator) validateServer(s *ServerConfig) {
	if s.IngressAddress == s.AdminAddress && !strings.HasSuffix(s.IngressAddress, ":0") {
		v.addError("server.adminAddress", "admin and ingress listeners must use different addresses")
	}
	if s.MaxBodyBytes < 0 {
		v.addError("server.maxBodyBytes", "must not be negative")
	}
	switch s.Forwarder {
	case ForwarderSimulated, ForwarderHTTP:
	default:
		v.addError("server.forwarder", fmt.Sprintf("forwarder must be %s or %s", ForwarderSimulated, ForwarderHTTP))
	}
}

func (v *validator) validateLoadBalancer(lb *LoadBalancerConfig) {
	if _, err := backend.ParseStrategy(lb.Strategy); err != nil {
		v.addError("loadBalancer.strategy", err.Error())
	}
}

func (v *validator) validateRateLimit(rl *RateLimitConfig) {
	switch rl.Store {
	case StoreMemory:
		if rl.MemorySize < 0 {
			v.addError("rateLimit.memorySize", "must be positive")
		}
	case StoreRedis:
		if rl.Redis.Address == "" {
			v.addError("rateLimit.redis.address", "address is required for the redis store")
		}
	default:
		v.addError("rateLimit.store", fmt.Sprintf("store must be %s or %s", StoreMemory, StoreRedis))
	}
	if rl.Window < 0 {
		v.addError("rateLimit.window", "must not be negative")
	}
}

func (v *validator) validateCircuitBreaker(cb *CircuitBreakerConfig) {
	if !cb.Enabled {
		return
	}
	if cb.Threshold < 0 {
		v.addError("circuitBreaker.threshold", "must be positive")
	}
	if cb.FailureRatio < 0 || cb.FailureRatio > 1 {
		v.addError("circuitBreaker.failureRatio", "must be between 0 and 1")
	}
}

func (v *validator) validateAuth(a *AuthConfig) {
	seen := make(map[string]bool, len(a.APIKeys))
	for i, k := range a.APIKeys {
		path := fmt.Sprintf("auth.apiKeys[%d]", i)
		switch {
		case k.Key == "":
			v.addError(path+".key", "key is required")
		case seen[k.Key]:
			v.addError(path+".key", "duplicate key")
		}
		seen[k.Key] = true
		if k.ClientID == "" {
			v.addError(path+".clientId", "client id is required")
		}
	}

	switch a.Verifier {
	case VerifierStructural:
	case VerifierJWT:
		if a.JWT.Secret == "" {
			v.addError("auth.jwt.secret", "secret is required for the jwt verifier")
		}
		if a.JWT.Algorithm != "" && !auth.IsHMACAlgorithm(a.JWT.Algorithm) {
			v.addError("auth.jwt.algorithm", "algorithm must be HS256, HS384 or HS512")
		}
	default:
		v.addError("auth.verifier", fmt.Sprintf("verifier must be %s or %s", VerifierStructural, VerifierJWT))
	}

	if a.Vault.Enabled {
		if a.Vault.Address == "" {
			v.addError("auth.vault.address", "address is required when vault is enabled")
		}
		if a.Vault.Path == "" {
			v.addError("auth.vault.path", "path is required when vault is enabled")
		}
	}
}

func (v *validator) validateConsul(c *ConsulConfig) {
	if !c.Enabled {
		return
	}
	if c.Address == "" {
		v.addError("consul.address", "address is required when consul is enabled")
	}
	if c.Interval <= 0 {
		v.addError("consul.interval", "must be positive")
	}
}

func (v *validator) validateMiddleware(m *MiddlewareConfig) {
	if m.Throttle.Enabled && m.Throttle.RPS <= 0 {
		v.addError("middleware.throttle.rps", "must be positive when throttling is enabled")
	}
	if m.CORS.Enabled && len(m.CORS.AllowOrigins) == 0 {
		v.addError("middleware.cors.allowOrigins", "at least one origin is required when cors is enabled")
	}
	for i, expr := range m.Expressions {
		if strings.TrimSpace(expr) == "" {
			v.addError(fmt.Sprintf("middleware.expressions[%d]", i), "expression is empty")
		}
	}
}

// validateRoutes compiles every route into a scratch table so template
// and duplicate errors surface at load time.
func (v *validator) validateRoutes(routes []RouteConfig) {
	table := router.NewTable()
	for i, r := range routes {
		path := fmt.Sprintf("routes[%d]", i)
		if r.Timeout < 0 {
			v.addError(path+".timeout", "must not be negative")
			continue
		}
		if err := table.Add(r.ToRoute()); err != nil {
			v.addError(path, err.Error())
		}
	}
}

func (v *validator) validateServices(services []ServiceConfig) {
	seen := make(map[string]bool, len(services))
	for i, s := range services {
		path := fmt.Sprintf("services[%d]", i)
		if s.Name == "" {
			v.addError(path+".name", "name is required")
		}
		if s.Address == "" {
			v.addError(path+".address", "address is required")
		}
		if s.Weight < 0 {
			v.addError(path+".weight", "weight must be positive")
		}
		key := s.Name + "@" + s.Address
		if seen[key] {
			v.addError(path, fmt.Sprintf("duplicate instance %s of service %s", s.Address, s.Name))
		}
		seen[key] = true
	}
}
