package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avagate/internal/backend"
	"github.com/vyrodovalexey/avagate/internal/router"
)

const sampleConfigYAML = `
logging:
  level: debug
  format: console
server:
  ingressAddress: ":18080"
  adminAddress: ":19090"
  readTimeout: 5s
loadBalancer:
  strategy: weighted
rateLimit:
  store: memory
  window: 30s
auth:
  apiKeys:
    - key: sk_test
      clientId: client-1
      scopes: [read, write]
middleware:
  cors:
    enabled: true
    allowOrigins: ["https://app.example.com"]
routes:
  - path: /api/users/{id}
    method: GET
    serviceName: users
    timeout: 2s
    rateLimit: 10
    authRequired: true
    requiredScope: read
  - path: /health
    serviceName: health
services:
  - name: users
    address: 10.0.0.1:8080
    weight: 3
    metadata:
      zone: a
  - name: users
    address: 10.0.0.2:8080
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, sampleConfigYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, "stdout", cfg.Logging.Output)
	assert.Equal(t, ":18080", cfg.Server.IngressAddress)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout.Duration())
	assert.Equal(t, DefaultWriteTimeout, cfg.Server.WriteTimeout.Duration())
	assert.Equal(t, ForwarderSimulated, cfg.Server.Forwarder)
	assert.Equal(t, "weighted", cfg.LoadBalancer.Strategy)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window.Duration())
	assert.Equal(t, VerifierStructural, cfg.Auth.Verifier)
	require.Len(t, cfg.Auth.APIKeys, 1)
	assert.Equal(t, []string{"read", "write"}, cfg.Auth.APIKeys[0].Scopes)

	require.Len(t, cfg.Routes, 2)
	users := cfg.Routes[0].ToRoute()
	assert.Equal(t, "/api/users/{id}", users.Path)
	assert.Equal(t, 2*time.Second, users.Timeout)
	assert.Equal(t, 10, users.RateLimit)
	assert.Equal(t, router.DefaultRetryCount, users.RetryCount)
	assert.True(t, users.AuthRequired)
	assert.Equal(t, "read", users.RequiredScope)

	health := cfg.Routes[1].ToRoute()
	assert.Equal(t, router.DefaultTimeout, health.Timeout)
	assert.Equal(t, router.DefaultRateLimit, health.RateLimit)
	assert.True(t, health.Enabled())

	require.Len(t, cfg.Services, 2)
	svc := cfg.Services[0].ToService()
	assert.Equal(t, 3, svc.Weight)
	assert.Equal(t, "a", svc.Metadata["zone"])
	assert.True(t, svc.IsHealthy())
	assert.Equal(t, backend.DefaultWeight, cfg.Services[1].ToService().Weight)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestParse_EmptyDocumentUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestParse_UnknownField(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("server:\n  listen: \":80\"\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParse_InvalidDuration(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("rateLimit:\n  window: soon\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestParse_ValidationFailure(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("loadBalancer:\n  strategy: fastest\n"))
	require.Error(t, err)

	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, "loadBalancer.strategy", verrs[0].Path)
}

func TestLoadFromReader(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFromReader(strings.NewReader(sampleConfigYAML))
	require.NoError(t, err)
	assert.Len(t, cfg.Routes, 2)
}

func TestParse_EnvSubstitution(t *testing.T) {
	t.Setenv("AVAGATE_TEST_REDIS", "redis.internal:6379")

	cfg, err := Parse([]byte(`
rateLimit:
  store: redis
  redis:
    address: ${AVAGATE_TEST_REDIS}
    keyPrefix: ${AVAGATE_TEST_UNSET:-rl:}
auth:
  apiKeys:
    - key: "price$$5"
      clientId: c
`))
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6379", cfg.RateLimit.Redis.Address)
	assert.Equal(t, "rl:", cfg.RateLimit.Redis.KeyPrefix)
	assert.Equal(t, "price$5", cfg.Auth.APIKeys[0].Key)
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("AVAGATE_TEST_SET", "value")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "set variable", input: "a: ${AVAGATE_TEST_SET}", want: "a: value"},
		{name: "default used", input: "a: ${AVAGATE_TEST_NOPE:-fallback}", want: "a: fallback"},
		{name: "default ignored when set", input: "a: ${AVAGATE_TEST_SET:-fallback}", want: "a: value"},
		{name: "unset without default", input: "a: ${AVAGATE_TEST_NOPE}", want: "a: "},
		{name: "escaped dollar", input: "a: $${AVAGATE_TEST_SET}", want: "a: ${AVAGATE_TEST_SET}"},
		{name: "no variables", input: "a: b", want: "a: b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, substituteEnvVars(tt.input))
		})
	}
}

func TestDuration_JSON(t *testing.T) {
	t.Parallel()

	d := Duration(1500 * time.Millisecond)
	b, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1.5s"`, string(b))

	var got Duration
	require.NoError(t, got.UnmarshalJSON([]byte(`"2m"`)))
	assert.Equal(t, 2*time.Minute, got.Duration())

	require.NoError(t, got.UnmarshalJSON([]byte(`null`)))
	assert.Zero(t, got)

	assert.Error(t, got.UnmarshalJSON([]byte(`"abc"`)))
}
