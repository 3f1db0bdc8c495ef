package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/vyrodovalexey/avagate/internal/observability"
	"github.com/vyrodovalexey/avagate/internal/util"
)

// Request is what a Forwarder sends to an instance.
type Request struct {
	Method  string
	Path    string
	Query   string
	Headers map[string]string
	Body    []byte
}

// Response is what an instance answered.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// Forwarder delivers a request to a selected instance. Implementations
// must honor ctx cancellation.
type Forwarder interface {
	Forward(ctx context.Context, svc *Service, req *Request) (*Response, error)
}

// ForwarderFunc adapts a function to the Forwarder interface.
type ForwarderFunc func(ctx context.Context, svc *Service, req *Request) (*Response, error)

// Forward calls f.
func (f ForwarderFunc) Forward(ctx context.Context, svc *Service, req *Request) (*Response, error) {
	return f(ctx, svc, req)
}

// SimulatedForwarder answers 200 without network I/O after an optional
// latency. It is the default transport of an embedded gateway.
type SimulatedForwarder struct {
	Latency time.Duration
}

// Forward implements Forwarder.
func (f SimulatedForwarder) Forward(ctx context.Context, svc *Service, req *Request) (*Response, error) {
	if f.Latency > 0 {
		timer := time.NewTimer(f.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &Response{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{"Content-Type": "text/plain; charset=utf-8"},
		Body:       []byte(fmt.Sprintf("Response from %s at %s", svc.Name, svc.Address)),
	}, nil
}

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailer":             {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

// DefaultMaxResponseBytes caps how much of a backend body is buffered.
const DefaultMaxResponseBytes = 10 << 20

// ErrResponseTooLarge reports a backend body over the buffering limit.
var ErrResponseTooLarge = errors.New("response body too large")

// HTTPForwarder proxies requests to instances over HTTP.
type HTTPForwarder struct {
	client     *http.Client
	maxBody    int64
	logger     observability.Logger
	propagator propagation.TextMapPropagator
}

// HTTPForwarderOption configures an HTTPForwarder.
type HTTPForwarderOption func(*HTTPForwarder)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) HTTPForwarderOption {
	return func(f *HTTPForwarder) {
		f.client = c
	}
}

// WithMaxResponseBytes caps the buffered response body.
func WithMaxResponseBytes(n int64) HTTPForwarderOption {
	return func(f *HTTPForwarder) {
		f.maxBody = n
	}
}

// WithForwarderLogger sets the logger.
func WithForwarderLogger(logger observability.Logger) HTTPForwarderOption {
	return func(f *HTTPForwarder) {
		f.logger = logger
	}
}

// NewHTTPForwarder creates an HTTP forwarder with a pooled transport.
func NewHTTPForwarder(opts ...HTTPForwarderOption) *HTTPForwarder {
	f := &HTTPForwarder{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		maxBody:    DefaultMaxResponseBytes,
		logger:     observability.NopLogger(),
		propagator: otel.GetTextMapPropagator(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Forward implements Forwarder. Transport failures are returned as plain
// errors; a backend 5xx is a response, not an error.
func (f *HTTPForwarder) Forward(ctx context.Context, svc *Service, req *Request) (*Response, error) {
	target := svc.URL() + "/" + strings.TrimLeft(req.Path, "/")
	if req.Query != "" {
		target += "?" + req.Query
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", svc.Name, err)
	}
	for k, v := range req.Headers {
		if _, hop := hopHeaders[strings.ToLower(k)]; hop {
			continue
		}
		httpReq.Header.Set(k, v)
	}
	f.propagator.Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := f.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, util.NewBackendErrorWithCause(svc.Name, "forward to "+svc.Address, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, util.NewBackendErrorWithCause(svc.Name, "read response", err)
	}
	if int64(len(data)) > f.maxBody {
		return nil, util.NewBackendErrorWithCause(svc.Name, "read response",
			fmt.Errorf("%w: limit is %d bytes", ErrResponseTooLarge, f.maxBody))
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		if _, hop := hopHeaders[strings.ToLower(k)]; hop {
			continue
		}
		headers[k] = resp.Header.Get(k)
	}

	f.logger.Debug("forwarded request",
		observability.String("service", svc.Name),
		observability.String("address", svc.Address),
		observability.String("path", req.Path),
		observability.Int("status", resp.StatusCode),
	)

	return &Response{StatusCode: resp.StatusCode, Headers: headers, Body: data}, nil
}
