package server

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/vyrodovalexey/avagate/internal/auth"
	"github.com/vyrodovalexey/avagate/internal/gateway"
	"github.com/vyrodovalexey/avagate/internal/observability"
)

// HeaderClientID lets a trusted edge name the client for rate limiting.
// It is ignored unless IngressConfig.TrustProxyHeaders is set.
const HeaderClientID = "X-Client-ID"

const headerRequestID = gateway.HeaderRequestID

// DefaultMaxBodyBytes caps request bodies when IngressConfig leaves it 0.
const DefaultMaxBodyBytes = 10 << 20

// Handler is the part of the gateway the ingress adapter calls.
type Handler interface {
	HandleRequest(ctx context.Context, req *gateway.Request, clientID string) *gateway.Response
}

// KeyLookup resolves API keys. *auth.KeyStore implements it.
type KeyLookup interface {
	Lookup(key string) (auth.KeyInfo, bool)
}

// IngressConfig configures the ingress adapter.
type IngressConfig struct {
	MaxBodyBytes int64
	// TrustProxyHeaders honors X-Client-ID and X-Forwarded-For when
	// identifying the client. Enable it only behind a proxy that sets or
	// strips those headers.
	TrustProxyHeaders bool
	// Keys, when set, lets a known API key identify the client. Unknown
	// keys fall back to the peer address.
	Keys KeyLookup
}

// NewIngressHandler returns a gin engine that hands every request to gw
// and writes back the status, headers and body of its response.
func NewIngressHandler(gw Handler, cfg IngressConfig, logger observability.Logger) *gin.Engine {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	in := &ingress{
		gw:          gw,
		maxBody:     cfg.MaxBodyBytes,
		trustHeader: cfg.TrustProxyHeaders,
		keys:        cfg.Keys,
		propagator:  otel.GetTextMapPropagator(),
	}

	engine := newEngine()
	if !cfg.TrustProxyHeaders {
		// ClientIP then reports the peer address.
		_ = engine.SetTrustedProxies(nil)
	}
	engine.Use(recovery(logger), accessLog(logger))
	engine.NoRoute(in.handle)
	return engine
}

type ingress struct {
	gw          Handler
	maxBody     int64
	trustHeader bool
	keys        KeyLookup
	propagator  propagation.TextMapPropagator
}

func (in *ingress) handle(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, in.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":  "Request body too large",
				"status": http.StatusRequestEntityTooLarge,
			})
			return
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":  "Failed to read request body",
			"status": http.StatusBadRequest,
		})
		return
	}

	req := toGatewayRequest(c.Request, body)
	ctx := in.propagator.Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

	resp := in.gw.HandleRequest(ctx, req, in.clientID(c))

	for k, v := range resp.Headers {
		c.Header(k, v)
	}
	c.Status(resp.StatusCode)
	if len(resp.Body) > 0 {
		_, _ = c.Writer.Write(resp.Body)
	}
}

// toGatewayRequest flattens headers and query parameters to their first
// value.
func toGatewayRequest(r *http.Request, body []byte) *gateway.Request {
	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	query := r.URL.Query()
	params := make(map[string]string, len(query))
	for k, v := range query {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}

	return &gateway.Request{
		ID:          r.Header.Get(headerRequestID),
		Path:        r.URL.Path,
		Method:      r.Method,
		Headers:     headers,
		QueryParams: params,
		Body:        body,
	}
}

// clientID picks a trusted X-Client-ID, then a known API key, then the
// peer address. Caller-chosen values never create buckets on their own.
func (in *ingress) clientID(c *gin.Context) string {
	if in.trustHeader {
		if id := c.GetHeader(HeaderClientID); id != "" {
			return id
		}
	}
	if in.keys != nil {
		if key := c.GetHeader(auth.HeaderAPIKey); key != "" {
			if _, ok := in.keys.Lookup(key); ok {
				return key
			}
		}
	}
	return c.ClientIP()
}
