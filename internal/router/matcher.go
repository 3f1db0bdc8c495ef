package router

import (
	"fmt"
	"regexp"
	"strings"
)

// PathMatcher decides whether a request path belongs to a route.
type PathMatcher interface {
	Match(path string) bool
	Type() string
	Pattern() string
}

// Parameter names with a dedicated character class. Any other name
// matches a single path segment.
var paramPatterns = map[string]string{
	"id":     `\d+`,
	"userId": `\w+`,
}

const defaultParamPattern = `[^/]+`

var paramNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AnyMatcher matches every path.
type AnyMatcher struct{}

// Match always returns true.
func (AnyMatcher) Match(string) bool { return true }

// Type returns the matcher type.
func (AnyMatcher) Type() string { return "any" }

// Pattern returns the pattern.
func (AnyMatcher) Pattern() string { return PathAny }

// ExactMatcher matches exact paths.
type ExactMatcher struct {
	path string
}

// NewExactMatcher creates a new exact path matcher.
func NewExactMatcher(path string) *ExactMatcher {
	return &ExactMatcher{path: path}
}

// Match checks if the path matches exactly.
func (m *ExactMatcher) Match(path string) bool {
	return path == m.path
}

// Type returns the matcher type.
func (m *ExactMatcher) Type() string {
	return "exact"
}

// Pattern returns the pattern.
func (m *ExactMatcher) Pattern() string {
	return m.path
}

// TemplateMatcher matches paths against a compiled template such as
// /api/users/{id} or /static/*.
type TemplateMatcher struct {
	pattern string
	regex   *regexp.Regexp
}

// NewTemplateMatcher compiles a path template into an anchored regular
// expression.
func NewTemplateMatcher(pattern string) (*TemplateMatcher, error) {
	expr, err := templateToRegex(pattern)
	if err != nil {
		return nil, err
	}

	regex, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid path template %q: %w", pattern, err)
	}

	return &TemplateMatcher{pattern: pattern, regex: regex}, nil
}

// Match checks if the whole path matches the template.
func (m *TemplateMatcher) Match(path string) bool {
	return m.regex.MatchString(path)
}

// Type returns the matcher type.
func (m *TemplateMatcher) Type() string {
	return "template"
}

// Pattern returns the pattern.
func (m *TemplateMatcher) Pattern() string {
	return m.pattern
}

// Regex returns the compiled expression.
func (m *TemplateMatcher) Regex() string {
	return m.regex.String()
}

// templateToRegex converts {name} placeholders and * wildcards into a
// regular expression. Everything else is matched literally.
func templateToRegex(pattern string) (string, error) {
	var result strings.Builder
	result.WriteString("^")

	for i := 0; i < len(pattern); {
		switch c := pattern[i]; c {
		case '{':
			end := strings.IndexByte(pattern[i+1:], '}')
			if end < 0 {
				return "", fmt.Errorf("unclosed '{' at offset %d in %q", i, pattern)
			}
			name := pattern[i+1 : i+1+end]
			if strings.ContainsRune(name, '{') {
				return "", fmt.Errorf("nested '{' at offset %d in %q", i, pattern)
			}
			if !paramNameRe.MatchString(name) {
				return "", fmt.Errorf("invalid parameter name %q in %q", name, pattern)
			}
			result.WriteString("(?:")
			result.WriteString(paramPattern(name))
			result.WriteString(")")
			i += end + 2
		case '}':
			return "", fmt.Errorf("unexpected '}' at offset %d in %q", i, pattern)
		case '*':
			result.WriteString(".*")
			i++
		default:
			next := strings.IndexAny(pattern[i:], "{}*")
			if next < 0 {
				next = len(pattern) - i
			}
			result.WriteString(regexp.QuoteMeta(pattern[i : i+next]))
			i += next
		}
	}

	result.WriteString("$")
	return result.String(), nil
}

func paramPattern(name string) string {
	if p, ok := paramPatterns[name]; ok {
		return p
	}
	return defaultParamPattern
}

// NewPathMatcher picks the matcher for a route path.
func NewPathMatcher(path string) (PathMatcher, error) {
	switch {
	case path == PathAny:
		return AnyMatcher{}, nil
	case !IsTemplate(path):
		return NewExactMatcher(path), nil
	default:
		return NewTemplateMatcher(path)
	}
}

// IsTemplate reports whether a path needs template compilation.
func IsTemplate(path string) bool {
	return strings.ContainsAny(path, "{}*")
}
