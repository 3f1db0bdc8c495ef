package middleware

import (
	"net/url"
	"strings"

	"github.com/vyrodovalexey/avagate/internal/gateway"
)

// originMatcher holds the pre-computed allow-list.
type originMatcher struct {
	exact            map[string]bool
	wildcardSuffixes []string
	allowAll         bool
}

func newOriginMatcher(allowed []string) *originMatcher {
	m := &originMatcher{exact: make(map[string]bool, len(allowed))}
	for _, origin := range allowed {
		switch {
		case origin == "*":
			m.allowAll = true
		case strings.HasPrefix(origin, "*."):
			// "*.example.com" keeps ".example.com"
			m.wildcardSuffixes = append(m.wildcardSuffixes, origin[1:])
		default:
			m.exact[origin] = true
		}
	}
	return m
}

func (m *originMatcher) allowed(origin string) bool {
	if m.allowAll {
		return true
	}
	if m.exact[origin] {
		return true
	}
	if len(m.wildcardSuffixes) == 0 || origin == "" {
		return false
	}

	host := origin
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		host = u.Hostname()
	}
	for _, suffix := range m.wildcardSuffixes {
		if strings.HasSuffix(host, suffix) && len(host) > len(suffix) {
			return true
		}
	}
	return false
}

// CORS admits a request when the allow-list contains "*" or its Origin
// header. Entries like "*.example.com" admit any subdomain. Without "*"
// a request carrying no Origin is rejected.
func CORS(allowedOrigins []string) Func {
	m := newOriginMatcher(allowedOrigins)
	return func(req *gateway.Request) bool {
		return m.allowed(header(req, HeaderOrigin))
	}
}
