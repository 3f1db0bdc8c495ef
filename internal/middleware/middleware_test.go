package middleware

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/avagate/internal/backend"
	"github.com/vyrodovalexey/avagate/internal/gateway"
	"github.com/vyrodovalexey/avagate/internal/observability"
	"github.com/vyrodovalexey/avagate/internal/router"
)

func withOrigin(origin string) *gateway.Request {
	req := &gateway.Request{Path: "/", Method: http.MethodGet, Headers: map[string]string{}}
	if origin != "" {
		req.Headers[HeaderOrigin] = origin
	}
	return req
}

func TestCORS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{name: "wildcard allows anything", allowed: []string{"*"}, origin: "https://evil.test", want: true},
		{name: "wildcard allows missing origin", allowed: []string{"*"}, origin: "", want: true},
		{name: "exact match", allowed: []string{"https://app.example.com"}, origin: "https://app.example.com", want: true},
		{name: "not listed", allowed: []string{"https://app.example.com"}, origin: "https://other.example.com", want: false},
		{name: "missing origin without wildcard", allowed: []string{"https://app.example.com"}, origin: "", want: false},
		{name: "subdomain pattern", allowed: []string{"*.example.com"}, origin: "https://api.example.com:8443", want: true},
		{name: "subdomain pattern excludes apex", allowed: []string{"*.example.com"}, origin: "https://example.com", want: false},
		{name: "subdomain pattern excludes lookalike", allowed: []string{"*.example.com"}, origin: "https://badexample.com", want: false},
		{name: "empty list", allowed: nil, origin: "https://app.example.com", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, CORS(tt.allowed)(withOrigin(tt.origin)))
		})
	}
}

func TestCORS_HeaderCaseInsensitive(t *testing.T) {
	t.Parallel()

	req := &gateway.Request{Headers: map[string]string{"origin": "https://a.test"}}
	assert.True(t, CORS([]string{"https://a.test"})(req))
}

func TestLogging(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	mw := Logging(observability.NewLoggerFromZap(zap.New(core)))

	assert.True(t, mw(&gateway.Request{ID: "r1", Method: "GET", Path: "/x", Timestamp: time.Unix(10, 0)}))
	require.Equal(t, 1, logs.Len())

	entry := logs.All()[0]
	assert.Equal(t, "request received", entry.Message)
	assert.Equal(t, "r1", entry.ContextMap()["request_id"])
	assert.Equal(t, "/x", entry.ContextMap()["path"])

	assert.True(t, Logging(nil)(&gateway.Request{}))
}

func TestRequestID(t *testing.T) {
	t.Parallel()

	mw := RequestIDWithGenerator(func() string { return "generated" })

	fresh := &gateway.Request{}
	assert.True(t, mw(fresh))
	assert.Equal(t, "generated", fresh.ID)
	assert.Equal(t, "generated", fresh.Headers[HeaderRequestID])

	inbound := &gateway.Request{ID: "internal", Headers: map[string]string{"x-request-id": "upstream"}}
	assert.True(t, mw(inbound))
	assert.Equal(t, "upstream", inbound.ID)

	existing := &gateway.Request{ID: "internal"}
	assert.True(t, RequestID()(existing))
	assert.Equal(t, "internal", existing.ID)
}

func TestThrottle(t *testing.T) {
	t.Parallel()

	mw := ThrottleWithLimiter(rate.NewLimiter(rate.Every(time.Hour), 2))
	req := &gateway.Request{}
	assert.True(t, mw(req))
	assert.True(t, mw(req))
	assert.False(t, mw(req))

	assert.True(t, Throttle(1000, 0)(req))
}

func TestExpression(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		expr string
		req  *gateway.Request
		want bool
	}{
		{
			name: "method filter allows",
			expr: `method != "DELETE"`,
			req:  &gateway.Request{Method: "GET", Path: "/a"},
			want: true,
		},
		{
			name: "method filter rejects",
			expr: `method != "DELETE"`,
			req:  &gateway.Request{Method: "DELETE", Path: "/a"},
			want: false,
		},
		{
			name: "path prefix",
			expr: `!path.startsWith("/internal/")`,
			req:  &gateway.Request{Method: "GET", Path: "/internal/debug"},
			want: false,
		},
		{
			name: "header presence is case-insensitive",
			expr: `"x-tenant" in headers && headers["x-tenant"] == "acme"`,
			req:  &gateway.Request{Headers: map[string]string{"X-Tenant": "acme"}},
			want: true,
		},
		{
			name: "missing key is an evaluation error",
			expr: `query["page"] == "1"`,
			req:  &gateway.Request{},
			want: false,
		},
		{
			name: "query value",
			expr: `query["page"] == "1"`,
			req:  &gateway.Request{QueryParams: map[string]string{"page": "1"}},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mw, err := Expression(tt.expr, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, mw(tt.req))
		})
	}
}

func TestExpression_CompileErrors(t *testing.T) {
	t.Parallel()

	_, err := Expression(`method ==`, nil)
	assert.Error(t, err)

	_, err = Expression(`path`, nil)
	assert.ErrorContains(t, err, "must evaluate to bool")

	_, err = Expression(`unknown == 1`, nil)
	assert.Error(t, err)
}

func TestChain(t *testing.T) {
	t.Parallel()

	calls := 0
	counting := func(result bool) Func {
		return func(*gateway.Request) bool {
			calls++
			return result
		}
	}

	assert.False(t, Chain(counting(true), counting(false), counting(true))(&gateway.Request{}))
	assert.Equal(t, 2, calls)
	assert.True(t, Chain()(&gateway.Request{}))
}

func TestMiddleware_WithGateway(t *testing.T) {
	t.Parallel()

	gw, err := gateway.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close() })

	require.NoError(t, gw.AddRoute(router.NewRoute("/api", http.MethodGet, "api")))
	require.NoError(t, gw.AddService(backend.NewService("api", "a:1")))

	gw.AddMiddleware(RequestIDWithGenerator(func() string { return "unused" }))
	gw.AddMiddleware(CORS([]string{"https://app.example.com"}))

	allowed := &gateway.Request{
		Path:    "/api",
		Method:  http.MethodGet,
		Headers: map[string]string{HeaderOrigin: "https://app.example.com", HeaderRequestID: "abc"},
	}
	resp := gw.HandleRequest(context.Background(), allowed, "c")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "abc", resp.RequestID)

	denied := &gateway.Request{Path: "/api", Method: http.MethodGet}
	assert.Equal(t, http.StatusForbidden, gw.HandleRequest(context.Background(), denied, "c").StatusCode)
}
