package router

import (
	"strings"
	"time"
)

// MethodAny matches every HTTP method.
const MethodAny = "*"

// PathAny matches every request path.
const PathAny = "*"

// Route defaults applied when a field is left at its zero value.
const (
	DefaultTimeout    = 30 * time.Second
	DefaultRetryCount = 3
	DefaultRateLimit  = 100
)

// Route describes how requests for a path template are admitted and where
// they are sent.
type Route struct {
	// Path is a literal path, "*" or a template such as /api/users/{id}.
	Path string `json:"path" yaml:"path"`

	// Method is an HTTP method or "*".
	Method string `json:"method" yaml:"method"`

	// ServiceName selects the backend service pool.
	ServiceName string `json:"serviceName" yaml:"serviceName"`

	// TargetURL is descriptive metadata only.
	TargetURL string `json:"targetUrl,omitempty" yaml:"targetUrl,omitempty"`

	// Timeout bounds the forwarding step.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// RetryCount is metadata; the core performs no retries.
	RetryCount int `json:"retryCount" yaml:"retryCount"`

	// RateLimit is the bucket capacity per client, refilled every minute.
	RateLimit int `json:"rateLimit" yaml:"rateLimit"`

	AuthRequired bool `json:"authRequired" yaml:"authRequired"`

	// RequiredScope, when set, must be granted to the caller's API key.
	RequiredScope string `json:"requiredScope,omitempty" yaml:"requiredScope,omitempty"`

	// Disabled routes are skipped by Match.
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// NewRoute returns an enabled route with the default timeout, retry count
// and rate limit.
func NewRoute(path, method, serviceName string) Route {
	return Route{
		Path:        path,
		Method:      method,
		ServiceName: serviceName,
		Timeout:     DefaultTimeout,
		RetryCount:  DefaultRetryCount,
		RateLimit:   DefaultRateLimit,
	}
}

// Enabled reports whether the route takes part in matching.
func (r *Route) Enabled() bool {
	return !r.Disabled
}

// Key identifies a route inside a table.
func (r *Route) Key() string {
	return Key(r.Path, r.Method)
}

func (r *Route) applyDefaults() {
	r.Method = normalizeMethod(r.Method)
	if r.Timeout == 0 {
		r.Timeout = DefaultTimeout
	}
	if r.RateLimit == 0 {
		r.RateLimit = DefaultRateLimit
	}
}

func (r *Route) allowsMethod(method string) bool {
	return r.Method == MethodAny || strings.EqualFold(r.Method, method)
}

func normalizeMethod(method string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		return MethodAny
	}
	return method
}

// Key identifies the route registered for path and method.
func Key(path, method string) string {
	return normalizeMethod(method) + " " + path
}
