package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/vyrodovalexey/avagate/internal/auth"
	"github.com/vyrodovalexey/avagate/internal/backend"
	"github.com/vyrodovalexey/avagate/internal/observability"
	"github.com/vyrodovalexey/avagate/internal/router"
	"github.com/vyrodovalexey/avagate/internal/util"
)

func newTestGateway(t *testing.T, opts ...Option) *Gateway {
	t.Helper()

	gw, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close() })
	return gw
}

func usersRoute(limit int) router.Route {
	r := router.NewRoute("/api/users", http.MethodGet, "users")
	r.RateLimit = limit
	return r
}

func get(path string) *Request {
	return &Request{Path: path, Method: http.MethodGet}
}

func TestHandleRequest_RateLimitSequence(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, WithClock(clock.NewMock()))
	require.NoError(t, gw.AddRoute(usersRoute(2)))
	require.NoError(t, gw.AddService(backend.NewService("users", "10.0.0.1:8080")))

	var statuses []int
	for range 3 {
		statuses = append(statuses, gw.HandleRequest(context.Background(), get("/api/users"), "client-1").StatusCode)
	}
	assert.Equal(t, []int{200, 200, 429}, statuses)

	snap := gw.Metrics().Route("/api/users")
	assert.Equal(t, int64(3), snap.Requests)
	assert.Equal(t, int64(1), snap.Errors)

	other := gw.HandleRequest(context.Background(), get("/api/users"), "client-2")
	assert.Equal(t, http.StatusOK, other.StatusCode)
}

func TestHandleRequest_RateLimitRefill(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	gw := newTestGateway(t, WithClock(mock))
	require.NoError(t, gw.AddRoute(usersRoute(2)))
	require.NoError(t, gw.AddService(backend.NewService("users", "a:1")))

	ctx := context.Background()
	gw.HandleRequest(ctx, get("/api/users"), "c")
	gw.HandleRequest(ctx, get("/api/users"), "c")

	denied := gw.HandleRequest(ctx, get("/api/users"), "c")
	require.Equal(t, http.StatusTooManyRequests, denied.StatusCode)
	assert.Equal(t, "30", denied.Headers[HeaderRetryAfter])
	assert.Equal(t, "2", denied.Headers[HeaderRateLimitLimit])
	assert.Equal(t, StageRateChecked, denied.Stage)

	mock.Add(30 * time.Second)
	assert.Equal(t, http.StatusOK, gw.HandleRequest(ctx, get("/api/users"), "c").StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, gw.HandleRequest(ctx, get("/api/users"), "c").StatusCode)
}

func TestHandleRequest_AuthPrecedesBackend(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t)
	route := router.NewRoute("/api/orders", http.MethodGet, "orders")
	route.AuthRequired = true
	require.NoError(t, gw.AddRoute(route))

	key, err := gw.Auth().Keys().Generate("client-1", []string{"read"})
	require.NoError(t, err)

	noCreds := gw.HandleRequest(context.Background(), get("/api/orders"), "client-1")
	assert.Equal(t, http.StatusUnauthorized, noCreds.StatusCode)
	assert.Equal(t, StageAuthed, noCreds.Stage)

	req := get("/api/orders")
	req.Headers = map[string]string{auth.HeaderAPIKey: key}
	resp := gw.HandleRequest(context.Background(), req, "client-1")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, StageForwarded, resp.Stage)

	bearer := get("/api/orders")
	bearer.Headers = map[string]string{auth.HeaderAuthorization: "Bearer a.b.c"}
	assert.Equal(t, http.StatusServiceUnavailable, gw.HandleRequest(context.Background(), bearer, "c").StatusCode)

	snap := gw.Metrics().Route("/api/orders")
	assert.Equal(t, int64(3), snap.Requests)
	assert.Equal(t, map[int]int64{401: 1, 503: 2}, snap.StatusCodes)
}

func TestHandleRequest_RequiredScope(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t)
	route := router.NewRoute("/admin", http.MethodGet, "admin")
	route.AuthRequired = true
	route.RequiredScope = "admin"
	require.NoError(t, gw.AddRoute(route))
	require.NoError(t, gw.AddService(backend.NewService("admin", "a:1")))

	reader, err := gw.Auth().Keys().Generate("reader", []string{"read"})
	require.NoError(t, err)
	admin, err := gw.Auth().Keys().Generate("root", []string{"*"})
	require.NoError(t, err)

	req := get("/admin")
	req.Headers = map[string]string{auth.HeaderAPIKey: reader}
	assert.Equal(t, http.StatusForbidden, gw.HandleRequest(context.Background(), req, "reader").StatusCode)

	req = get("/admin")
	req.Headers = map[string]string{auth.HeaderAPIKey: admin}
	assert.Equal(t, http.StatusOK, gw.HandleRequest(context.Background(), req, "root").StatusCode)

	assert.Equal(t, int64(2), gw.Metrics().Route("/admin").Requests)
}

func TestHandleRequest_NotFound(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t)
	require.NoError(t, gw.AddRoute(usersRoute(10)))

	resp := gw.HandleRequest(context.Background(), get("/api/unknown"), "c")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, StageRouted, resp.Stage)
	assert.Equal(t, 0, gw.Stats().Metrics.Routes)

	var body errorBody
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	assert.Equal(t, http.StatusNotFound, body.Status)
}

func TestHandleRequest_MiddlewareVeto(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t)
	require.NoError(t, gw.AddRoute(usersRoute(10)))
	require.NoError(t, gw.AddService(backend.NewService("users", "a:1")))

	var order []string
	gw.AddMiddleware(func(req *Request) bool {
		order = append(order, "first")
		return true
	})
	gw.AddMiddleware(func(req *Request) bool {
		order = append(order, "second")
		return req.Headers["X-Block"] == ""
	})

	blocked := get("/api/users")
	blocked.Headers = map[string]string{"X-Block": "1"}
	resp := gw.HandleRequest(context.Background(), blocked, "c")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, StageMiddleware, resp.Stage)
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Zero(t, gw.Metrics().Route("/api/users").Requests)

	resp = gw.HandleRequest(context.Background(), get("/api/users"), "c")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, StageDone, resp.Stage)
	assert.Equal(t, "users", resp.Service)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, resp.RequestID, resp.Headers[HeaderRequestID])
}

func TestHandleRequest_Timeout(t *testing.T) {
	t.Parallel()

	slow := backend.ForwarderFunc(func(ctx context.Context, _ *backend.Service, _ *backend.Request) (*backend.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	gw := newTestGateway(t, WithForwarder(slow))

	route := usersRoute(10)
	route.Timeout = 20 * time.Millisecond
	require.NoError(t, gw.AddRoute(route))
	require.NoError(t, gw.AddService(backend.NewService("users", "a:1")))

	resp := gw.HandleRequest(context.Background(), get("/api/users"), "c")
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Equal(t, int64(1), gw.Metrics().Route("/api/users").Errors)
}

func TestHandleRequest_ForwardError(t *testing.T) {
	t.Parallel()

	failing := backend.ForwarderFunc(func(context.Context, *backend.Service, *backend.Request) (*backend.Response, error) {
		return nil, errors.New("connection refused")
	})
	gw := newTestGateway(t, WithForwarder(failing))
	require.NoError(t, gw.AddRoute(usersRoute(10)))
	svc := backend.NewService("users", "a:1")
	require.NoError(t, gw.AddService(svc))

	resp := gw.HandleRequest(context.Background(), get("/api/users"), "c")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, int64(1), svc.FailureCount())
}

func TestHandleRequest_ForwardFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		fail        func(ctx context.Context) error
		want        int
		wantFailure int64
	}{
		{
			name: "failed exchange",
			fail: func(context.Context) error {
				return util.NewBackendErrorWithCause("users", "forward to a:1", errors.New("connection reset"))
			},
			want:        http.StatusBadGateway,
			wantFailure: 1,
		},
		{
			name: "oversized body",
			fail: func(context.Context) error {
				return util.NewBackendErrorWithCause("users", "read response", backend.ErrResponseTooLarge)
			},
			want:        http.StatusBadGateway,
			wantFailure: 1,
		},
		{
			name: "deadline spent behind another error",
			fail: func(ctx context.Context) error {
				<-ctx.Done()
				return errors.New("stream closed")
			},
			want:        http.StatusGatewayTimeout,
			wantFailure: 1,
		},
		{
			name: "open breaker",
			fail: func(context.Context) error {
				return util.ErrCircuitOpen
			},
			want:        http.StatusServiceUnavailable,
			wantFailure: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			failing := backend.ForwarderFunc(func(ctx context.Context, _ *backend.Service, _ *backend.Request) (*backend.Response, error) {
				return nil, tt.fail(ctx)
			})
			gw := newTestGateway(t, WithForwarder(failing))

			route := usersRoute(10)
			route.Timeout = 20 * time.Millisecond
			require.NoError(t, gw.AddRoute(route))
			svc := backend.NewService("users", "a:1")
			require.NoError(t, gw.AddService(svc))

			resp := gw.HandleRequest(context.Background(), get("/api/users"), "c")
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.Equal(t, tt.wantFailure, svc.FailureCount())
		})
	}
}

func TestHandleRequest_CircuitOpen(t *testing.T) {
	t.Parallel()

	failing := backend.ForwarderFunc(func(context.Context, *backend.Service, *backend.Request) (*backend.Response, error) {
		return nil, errors.New("connection refused")
	})
	gw := newTestGateway(t,
		WithForwarder(failing),
		WithBreakers(backend.BreakerConfig{Enabled: true, Threshold: 2, Timeout: time.Minute}),
	)
	require.NoError(t, gw.AddRoute(usersRoute(100)))
	require.NoError(t, gw.AddService(backend.NewService("users", "a:1")))

	var statuses []int
	for range 3 {
		statuses = append(statuses, gw.HandleRequest(context.Background(), get("/api/users"), "c").StatusCode)
	}
	assert.Equal(t, []int{502, 502, 503}, statuses)
}

func TestHandleRequest_ForwardsRequest(t *testing.T) {
	t.Parallel()

	var got *backend.Request
	echo := backend.ForwarderFunc(func(_ context.Context, svc *backend.Service, req *backend.Request) (*backend.Response, error) {
		got = req
		return &backend.Response{StatusCode: http.StatusCreated, Body: []byte("ok")}, nil
	})
	gw := newTestGateway(t, WithForwarder(echo))

	route := router.NewRoute("/api/users/{id}", http.MethodPost, "users")
	require.NoError(t, gw.AddRoute(route))
	require.NoError(t, gw.AddService(backend.NewService("users", "a:1")))

	resp := gw.HandleRequest(context.Background(), &Request{
		ID:          "req-1",
		Path:        "/api/users/42",
		Method:      http.MethodPost,
		QueryParams: map[string]string{"b": "2", "a": "x y"},
		Body:        []byte(`{}`),
	}, "c")

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, "100", resp.Headers[HeaderRateLimitLimit])
	assert.Equal(t, "99", resp.Headers[HeaderRateLimitRemaining])

	require.NotNil(t, got)
	assert.Equal(t, "/api/users/42", got.Path)
	assert.Equal(t, "a=x+y&b=2", got.Query)
	assert.Equal(t, "req-1", got.Headers[HeaderRequestID])
}

func TestHandleRequest_DisabledRoute(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t)
	require.NoError(t, gw.AddRoute(usersRoute(10)))
	require.NoError(t, gw.AddService(backend.NewService("users", "a:1")))

	require.NoError(t, gw.SetRouteEnabled("/api/users", http.MethodGet, false))
	assert.Equal(t, http.StatusNotFound, gw.HandleRequest(context.Background(), get("/api/users"), "c").StatusCode)

	require.NoError(t, gw.SetRouteEnabled("/api/users", http.MethodGet, true))
	assert.Equal(t, http.StatusOK, gw.HandleRequest(context.Background(), get("/api/users"), "c").StatusCode)
}

func TestHandleRequest_SetRouteRateLimit(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, WithClock(clock.NewMock()))
	require.NoError(t, gw.AddRoute(usersRoute(1)))
	require.NoError(t, gw.AddService(backend.NewService("users", "a:1")))

	ctx := context.Background()
	assert.Equal(t, http.StatusOK, gw.HandleRequest(ctx, get("/api/users"), "c").StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, gw.HandleRequest(ctx, get("/api/users"), "c").StatusCode)

	require.NoError(t, gw.SetRouteRateLimit("/api/users", http.MethodGet, 5))
	resp := gw.HandleRequest(ctx, get("/api/users"), "c2")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "5", resp.Headers[HeaderRateLimitLimit])
}

func TestHandleRequest_RateLimitPerMethod(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, WithClock(clock.NewMock()))
	getRoute := router.NewRoute("/x", http.MethodGet, "svc")
	getRoute.RateLimit = 2
	postRoute := router.NewRoute("/x", http.MethodPost, "svc")
	postRoute.RateLimit = 100
	require.NoError(t, gw.AddRoute(getRoute))
	require.NoError(t, gw.AddRoute(postRoute))
	require.NoError(t, gw.AddService(backend.NewService("svc", "a:1")))

	ctx := context.Background()
	post := &Request{Path: "/x", Method: http.MethodPost}

	var statuses []int
	for _, req := range []*Request{get("/x"), get("/x"), post, post, get("/x")} {
		statuses = append(statuses, gw.HandleRequest(ctx, req, "c").StatusCode)
	}
	assert.Equal(t, []int{200, 200, 200, 200, 429}, statuses)

	resp := gw.HandleRequest(ctx, post, "c")
	assert.Equal(t, "100", resp.Headers[HeaderRateLimitLimit])
	assert.Equal(t, "97", resp.Headers[HeaderRateLimitRemaining])
}

func TestHandleRequest_UnhealthyInstance(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t)
	require.NoError(t, gw.AddRoute(usersRoute(10)))
	require.NoError(t, gw.AddService(backend.NewService("users", "a:1")))

	require.NoError(t, gw.SetServiceStatus("users", "a:1", backend.StatusUnhealthy))
	assert.Equal(t, http.StatusServiceUnavailable, gw.HandleRequest(context.Background(), get("/api/users"), "c").StatusCode)

	require.NoError(t, gw.SetServiceStatus("users", "a:1", backend.StatusHealthy))
	assert.Equal(t, http.StatusOK, gw.HandleRequest(context.Background(), get("/api/users"), "c").StatusCode)
}

func TestHandleRequest_Concurrent(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, WithClock(clock.NewMock()))
	require.NoError(t, gw.AddRoute(usersRoute(50)))
	require.NoError(t, gw.AddService(backend.NewService("users", "a:1")))
	require.NoError(t, gw.AddService(backend.NewService("users", "b:1")))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := gw.HandleRequest(context.Background(), get("/api/users"), "shared")
			if resp.StatusCode == http.StatusOK {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, allowed)
	assert.Equal(t, int64(100), gw.Stats().Metrics.TotalRequests)
}

func TestHandleRequest_Span(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	gw := newTestGateway(t, WithTracer(observability.NewTracerFromProvider(tp, "test")))
	require.NoError(t, gw.AddRoute(usersRoute(10)))
	require.NoError(t, gw.AddService(backend.NewService("users", "a:1")))

	gw.HandleRequest(context.Background(), get("/api/users"), "c")

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "gateway.forward", spans[0].Name())
	assert.Equal(t, "gateway.request", spans[1].Name())

	attrs := map[string]string{}
	for _, kv := range spans[1].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "/api/users", attrs["http.route"])
	assert.Equal(t, "200", attrs["http.response.status_code"])
	assert.Equal(t, "done", attrs["gateway.stage"])
}

func TestHealthCheckAndStats(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	gw := newTestGateway(t, WithClock(mock))
	require.NoError(t, gw.AddRoute(usersRoute(10)))
	require.NoError(t, gw.AddService(backend.NewService("users", "a:1")))
	require.NoError(t, gw.AddService(backend.NewService("users", "b:1")))
	require.NoError(t, gw.AddService(backend.NewService("orders", "c:1")))

	report := gw.HealthCheck()
	assert.Equal(t, HealthStatusHealthy, report.Status)
	assert.Equal(t, 1, report.Routes)
	assert.Equal(t, mock.Now(), report.Timestamp)
	assert.Equal(t, backend.HealthSummary{Total: 2, Healthy: 2}, report.Services["users"])

	require.NoError(t, gw.SetServiceStatus("orders", "c:1", backend.StatusUnhealthy))
	assert.Equal(t, HealthStatusDegraded, gw.HealthCheck().Status)

	gw.HandleRequest(context.Background(), get("/api/users"), "c")
	stats := gw.Stats()
	assert.Equal(t, 1, stats.Routes)
	assert.Equal(t, 2, stats.Services)
	assert.Equal(t, int64(1), stats.Metrics.TotalRequests)
}

func TestGateway_RemoveRoute(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t)
	require.NoError(t, gw.AddRoute(usersRoute(10)))
	require.NoError(t, gw.RemoveRoute("/api/users", http.MethodGet))
	assert.Empty(t, gw.Routes())
	assert.Error(t, gw.RemoveRoute("/api/users", http.MethodGet))
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestGateway_Close(t *testing.T) {
	t.Parallel()

	errA := errors.New("a")
	gw, err := New(
		WithCloser(closerFunc(func() error { return errA })),
		WithCloser(closerFunc(func() error { return nil })),
	)
	require.NoError(t, err)
	assert.ErrorIs(t, gw.Close(), errA)
}

func TestStage_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "new", StageNew.String())
	assert.Equal(t, "metrics_recorded", StageMetricsRecorded.String())
	assert.Equal(t, "unknown", Stage(99).String())
}
