package auth

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/vyrodovalexey/avagate/internal/observability"
	"github.com/vyrodovalexey/avagate/internal/util"
)

// Credential headers.
const (
	HeaderAPIKey        = "X-API-Key"
	HeaderAuthorization = "Authorization"
)

// Authentication methods reported in a Decision.
const (
	MethodNone   = "none"
	MethodAPIKey = "api_key"
	MethodBearer = "bearer"
)

// Decision describes how a request was authenticated.
type Decision struct {
	Method   string
	ClientID string
	Scopes   []string
}

// HasScope reports whether the decision grants scope.
func (d Decision) HasScope(scope string) bool {
	return slices.Contains(d.Scopes, ScopeAll) || slices.Contains(d.Scopes, scope)
}

// Gate authenticates requests against a key store and a token verifier.
type Gate struct {
	keys     *KeyStore
	verifier TokenVerifier
	logger   observability.Logger
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithVerifier replaces the default StructuralVerifier.
func WithVerifier(v TokenVerifier) GateOption {
	return func(g *Gate) {
		g.verifier = v
	}
}

// WithGateLogger sets the logger.
func WithGateLogger(logger observability.Logger) GateOption {
	return func(g *Gate) {
		g.logger = logger
	}
}

// NewGate creates a gate over keys.
func NewGate(keys *KeyStore, opts ...GateOption) *Gate {
	g := &Gate{
		keys:     keys,
		verifier: StructuralVerifier{},
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Keys returns the gate's key store.
func (g *Gate) Keys() *KeyStore {
	return g.keys
}

// Check authenticates a request for a route. Routes without authRequired
// always pass. A valid API key or a valid bearer token is sufficient.
// When requiredScope is set the credential must grant it.
func (g *Gate) Check(
	ctx context.Context,
	authRequired bool,
	requiredScope string,
	headers map[string]string,
) (Decision, error) {
	if !authRequired {
		return Decision{Method: MethodNone}, nil
	}

	decision, ok := g.Authenticate(ctx, headers)
	if !ok {
		getAuthMetrics().decisions.WithLabelValues(MethodNone, "unauthorized").Inc()
		return Decision{Method: MethodNone}, fmt.Errorf("no valid credentials: %w", util.ErrUnauthorized)
	}

	if requiredScope != "" && !decision.HasScope(requiredScope) {
		getAuthMetrics().decisions.WithLabelValues(decision.Method, "forbidden").Inc()
		return decision, fmt.Errorf("scope %q not granted: %w", requiredScope, util.ErrForbidden)
	}

	getAuthMetrics().decisions.WithLabelValues(decision.Method, "allowed").Inc()
	return decision, nil
}

// Authenticate returns the first credential in headers that validates.
func (g *Gate) Authenticate(ctx context.Context, headers map[string]string) (Decision, bool) {
	if key := HeaderValue(headers, HeaderAPIKey); key != "" && g.keys != nil && g.keys.Validate(key) {
		info, _ := g.keys.Lookup(key)
		return Decision{Method: MethodAPIKey, ClientID: info.ClientID, Scopes: info.Scopes}, true
	}

	token := HeaderValue(headers, HeaderAuthorization)
	if token == "" {
		return Decision{}, false
	}

	principal, err := g.verifier.Verify(ctx, token)
	if err != nil {
		g.logger.WithContext(ctx).Debug("bearer token rejected", observability.Error(err))
		return Decision{}, false
	}
	return Decision{Method: MethodBearer, ClientID: principal.Subject, Scopes: principal.Scopes}, true
}

// CheckScope reports whether the API key grants scope.
func (g *Gate) CheckScope(key, scope string) bool {
	return g.keys != nil && g.keys.CheckScope(key, scope)
}

// HeaderValue looks a header up by exact name first, then
// case-insensitively.
func HeaderValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
