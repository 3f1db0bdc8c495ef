package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPathMatcher_Type(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path     string
		wantType string
	}{
		{path: "*", wantType: "any"},
		{path: "/api/health", wantType: "exact"},
		{path: "/api/users/{id}", wantType: "template"},
		{path: "/static/*", wantType: "template"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()

			m, err := NewPathMatcher(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, m.Type())
			assert.Equal(t, tt.path, m.Pattern())
		})
	}
}

func TestTemplateMatcher_Match(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		template string
		path     string
		want     bool
	}{
		{name: "id digits", template: "/api/users/{id}", path: "/api/users/123", want: true},
		{name: "id rejects letters", template: "/api/users/{id}", path: "/api/users/abc", want: false},
		{name: "id rejects trailing segment", template: "/api/users/{id}", path: "/api/users/1/posts", want: false},
		{name: "userId word chars", template: "/api/users/{userId}/orders", path: "/api/users/abc_1/orders", want: true},
		{name: "userId rejects dash", template: "/api/users/{userId}/orders", path: "/api/users/a-b/orders", want: false},
		{name: "other param single segment", template: "/files/{name}", path: "/files/report.pdf", want: true},
		{name: "other param no slash", template: "/files/{name}", path: "/files/a/b", want: false},
		{name: "trailing wildcard", template: "/static/*", path: "/static/css/site.css", want: true},
		{name: "trailing wildcard empty", template: "/static/*", path: "/static/", want: true},
		{name: "wildcard needs prefix", template: "/static/*", path: "/assets/x", want: false},
		{name: "dot is literal", template: "/v1.0/{id}", path: "/v1x0/1", want: false},
		{name: "dot literal matches", template: "/v1.0/{id}", path: "/v1.0/1", want: true},
		{name: "anchored start", template: "/api/{id}", path: "/prefix/api/1", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m, err := NewTemplateMatcher(tt.template)
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Match(tt.path))
		})
	}
}

func TestTemplateMatcher_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		template string
		errPart  string
	}{
		{name: "unclosed brace", template: "/api/users/{id", errPart: "unclosed"},
		{name: "stray closing brace", template: "/api/users/id}", errPart: "unexpected"},
		{name: "empty param", template: "/api/{}", errPart: "invalid parameter name"},
		{name: "nested brace", template: "/api/{a{b}", errPart: "nested"},
		{name: "bad param name", template: "/api/{1x}", errPart: "invalid parameter name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewTemplateMatcher(tt.template)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errPart)
		})
	}
}

func TestTemplateMatcher_Regex(t *testing.T) {
	t.Parallel()

	m, err := NewTemplateMatcher("/api/users/{id}")
	require.NoError(t, err)
	assert.Equal(t, `^/api/users/(?:\d+)$`, m.Regex())
}

func TestExactMatcher(t *testing.T) {
	t.Parallel()

	m := NewExactMatcher("/api/health")
	assert.True(t, m.Match("/api/health"))
	assert.False(t, m.Match("/api/health/"))
	assert.False(t, m.Match("/api/healthz"))
}

func TestAnyMatcher(t *testing.T) {
	t.Parallel()

	var m AnyMatcher
	assert.True(t, m.Match("/anything/at/all"))
	assert.True(t, m.Match(""))
}
