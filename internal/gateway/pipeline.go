package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avagate/internal/backend"
	"github.com/vyrodovalexey/avagate/internal/observability"
	"github.com/vyrodovalexey/avagate/internal/ratelimit"
	"github.com/vyrodovalexey/avagate/internal/router"
	"github.com/vyrodovalexey/avagate/internal/util"
)

// Response headers set by the pipeline.
const (
	HeaderRequestID          = "X-Request-ID"
	HeaderRetryAfter         = "Retry-After"
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderContentType        = "Content-Type"
	contentTypeJSON          = "application/json"
)

// Rejection reasons for requests that never resolve a route.
const (
	reasonMiddleware = "middleware"
	reasonNoRoute    = "no_route"
)

// outcome is the terminal state of one pass through the pipeline.
type outcome struct {
	resp      *Response
	stage     Stage
	route     *router.Route
	err       error
	forwarded bool
}

// HandleRequest runs req through the pipeline and always returns a
// response. Failures become status codes: 403 middleware veto or missing
// scope, 404 no route, 429 rate limited, 401 unauthenticated, 503 no
// healthy instance or open circuit, 504 route timeout, 502 forward error.
// Metrics are recorded under the route path whenever a route resolved.
func (g *Gateway) HandleRequest(ctx context.Context, req *Request, clientID string) *Response {
	start := g.clock.Now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = start
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	ctx = contextWithRequest(ctx, req, clientID)
	ctx, span := g.tracer.StartSpan(ctx, "gateway.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.path", req.Path),
			attribute.String("gateway.request_id", req.ID),
		),
	)
	defer span.End()

	getGatewayMetrics().inFlight.Inc()
	defer getGatewayMetrics().inFlight.Dec()

	out := g.process(ctx, req, clientID)

	elapsed := g.clock.Since(start)
	out.resp.RequestID = req.ID
	out.resp.Duration = elapsed
	out.resp.Stage = out.stage
	if out.resp.Headers == nil {
		out.resp.Headers = make(map[string]string)
	}
	out.resp.Headers[HeaderRequestID] = req.ID

	if out.route != nil {
		g.collector.Record(out.route.Path, out.resp.StatusCode, elapsed)
		if out.forwarded {
			out.stage = StageDone
			out.resp.Stage = StageDone
		}
		span.SetAttributes(attribute.String("http.route", out.route.Path))
	}

	span.SetAttributes(
		attribute.Int("http.response.status_code", out.resp.StatusCode),
		attribute.String("gateway.stage", out.stage.String()),
	)
	if out.resp.Service != "" {
		span.SetAttributes(attribute.String("gateway.service", out.resp.Service))
	}
	if out.err != nil {
		span.RecordError(out.err)
	}
	if out.resp.StatusCode >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(out.resp.StatusCode))
	}

	fields := []observability.Field{
		observability.String("method", req.Method),
		observability.String("path", req.Path),
		observability.Int("status", out.resp.StatusCode),
		observability.String("stage", out.stage.String()),
		observability.Duration("duration", elapsed),
	}
	if out.err != nil {
		fields = append(fields, observability.Error(out.err))
	}
	g.logger.WithContext(ctx).Debug("request handled", fields...)

	return out.resp
}

func (g *Gateway) process(ctx context.Context, req *Request, clientID string) outcome {
	for _, mw := range g.middlewareChain() {
		if !mw(req) {
			getGatewayMetrics().rejections.WithLabelValues(reasonMiddleware).Inc()
			return outcome{
				resp:  errorResponse(http.StatusForbidden, "Forbidden by middleware"),
				stage: StageMiddleware,
			}
		}
	}

	route, ok := g.routes.Match(req.Path, req.Method)
	if !ok {
		getGatewayMetrics().rejections.WithLabelValues(reasonNoRoute).Inc()
		return outcome{
			resp:  errorResponse(http.StatusNotFound, "Route not found"),
			stage: StageRouted,
			err:   util.NewRouteNotFoundError(req.Method, req.Path),
		}
	}

	limitHeaders, out, stop := g.checkRateLimit(ctx, &route, clientID)
	if stop {
		return out
	}

	if _, err := g.auth.Check(ctx, route.AuthRequired, route.RequiredScope, req.Headers); err != nil {
		status := util.StatusCode(err)
		return outcome{
			resp:  errorResponse(status, http.StatusText(status)),
			stage: StageAuthed,
			route: &route,
			err:   err,
		}
	}

	out = g.forward(ctx, req, &route)
	maps.Copy(out.resp.Headers, limitHeaders)
	return out
}

// checkRateLimit consumes a token for clientID on route. A store failure
// lets the request through.
func (g *Gateway) checkRateLimit(
	ctx context.Context,
	route *router.Route,
	clientID string,
) (map[string]string, outcome, bool) {
	result, err := g.limits.Allow(ctx, route.Key(), route.RateLimit, clientID)
	if err != nil {
		g.logger.WithContext(ctx).Warn("rate limit check failed, allowing request",
			observability.String("route", route.Path),
			observability.Error(err),
		)
		return nil, outcome{}, false
	}

	headers := map[string]string{
		HeaderRateLimitLimit:     strconv.Itoa(result.Limit),
		HeaderRateLimitRemaining: strconv.Itoa(result.Remaining),
	}
	if result.Allowed {
		return headers, outcome{}, false
	}

	resp := errorResponse(http.StatusTooManyRequests, "Rate limit exceeded")
	maps.Copy(resp.Headers, headers)
	resp.Headers[HeaderRetryAfter] = strconv.Itoa(int(math.Ceil(result.RetryAfter.Seconds())))

	return nil, outcome{
		resp:  resp,
		stage: StageRateChecked,
		route: route,
		err:   util.NewRateLimitError(ratelimit.Key(route.Key(), clientID), result.Limit, result.RetryAfter),
	}, true
}

// forward selects an instance and delivers the request within the
// route timeout.
func (g *Gateway) forward(ctx context.Context, req *Request, route *router.Route) outcome {
	svc, err := g.backends.Select(route.ServiceName)
	if err != nil {
		return outcome{
			resp:  errorResponse(http.StatusServiceUnavailable, "No healthy service available"),
			stage: StageForwarded,
			route: route,
			err:   err,
		}
	}

	fctx, cancel := context.WithTimeout(ctx, route.Timeout)
	defer cancel()

	fctx, span := g.tracer.StartSpan(fctx, "gateway.forward",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("gateway.service", svc.Name),
			attribute.String("server.address", svc.Address),
		),
	)
	defer span.End()

	resp, err := g.breakers.Execute(svc, func() (*backend.Response, error) {
		return g.forwarder.Forward(fctx, svc, toBackendRequest(req))
	})
	if err != nil {
		err = forwardError(fctx, svc, err)
		status := util.StatusCode(err)
		if status != http.StatusServiceUnavailable {
			svc.RecordFailure()
		}
		span.RecordError(err)
		return outcome{
			resp:  errorResponse(status, http.StatusText(status)),
			stage: StageForwarded,
			route: route,
			err:   err,
		}
	}
	if resp == nil {
		return outcome{
			resp:  errorResponse(http.StatusBadGateway, "Empty backend response"),
			stage: StageForwarded,
			route: route,
		}
	}

	headers := make(map[string]string, len(resp.Headers)+3)
	maps.Copy(headers, resp.Headers)

	return outcome{
		resp: &Response{
			StatusCode: resp.StatusCode,
			Headers:    headers,
			Body:       resp.Body,
			Service:    svc.Name,
		},
		stage:     StageForwarded,
		route:     route,
		forwarded: true,
	}
}

// forwardError tags a failure that spent the route deadline with
// util.ErrTimeout, so util.StatusCode answers 504. An open breaker stays
// 503 and any other failure 502.
func forwardError(fctx context.Context, svc *backend.Service, err error) error {
	if errors.Is(fctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", util.ErrTimeout, err)
	}
	return util.WrapError(err, fmt.Sprintf("forward to %s at %s", svc.Name, svc.Address))
}

func toBackendRequest(req *Request) *backend.Request {
	out := &backend.Request{
		Method:  req.Method,
		Path:    req.Path,
		Headers: maps.Clone(req.Headers),
		Body:    req.Body,
	}
	if out.Headers == nil {
		out.Headers = make(map[string]string, 1)
	}
	out.Headers[HeaderRequestID] = req.ID

	if len(req.QueryParams) > 0 {
		keys := make([]string, 0, len(req.QueryParams))
		for k := range req.QueryParams {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		values := make([]string, 0, len(keys))
		for _, k := range keys {
			values = append(values, url.QueryEscape(k)+"="+url.QueryEscape(req.QueryParams[k]))
		}
		out.Query = strings.Join(values, "&")
	}
	return out
}

type errorBody struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

func errorResponse(status int, message string) *Response {
	body, _ := json.Marshal(errorBody{Error: message, Status: status})
	return &Response{
		StatusCode: status,
		Headers:    map[string]string{HeaderContentType: contentTypeJSON},
		Body:       body,
	}
}
