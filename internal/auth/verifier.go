package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// BearerPrefix is stripped from Authorization header values.
const BearerPrefix = "Bearer "

// ErrMalformedToken is returned for tokens that are not three
// dot-separated segments.
var ErrMalformedToken = errors.New("malformed token")

// Principal is what a verified token says about its bearer.
type Principal struct {
	Subject string
	Scopes  []string
}

// TokenVerifier checks a bearer token.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Principal, error)
}

// StripBearer removes an optional "Bearer " prefix.
func StripBearer(token string) string {
	return strings.TrimPrefix(token, BearerPrefix)
}

// StructuralVerifier accepts any token with exactly three dot-separated
// segments. It performs no signature or expiry check.
type StructuralVerifier struct{}

// Verify implements TokenVerifier.
func (StructuralVerifier) Verify(_ context.Context, token string) (Principal, error) {
	token = StripBearer(token)
	if token == "" || strings.Count(token, ".") != 2 {
		return Principal{}, ErrMalformedToken
	}
	return Principal{}, nil
}

// JWTVerifier verifies HMAC-signed JWTs and their registered time claims.
type JWTVerifier struct {
	secret    []byte
	algorithm jwa.SignatureAlgorithm
	issuer    string
	skew      time.Duration
}

// JWTOption configures a JWTVerifier.
type JWTOption func(*JWTVerifier)

// WithIssuer requires the iss claim to equal issuer.
func WithIssuer(issuer string) JWTOption {
	return func(v *JWTVerifier) {
		v.issuer = issuer
	}
}

// WithAcceptableSkew tolerates clock differences on exp and nbf.
func WithAcceptableSkew(skew time.Duration) JWTOption {
	return func(v *JWTVerifier) {
		v.skew = skew
	}
}

// WithAlgorithm selects the HMAC algorithm. HS256 is the default.
func WithAlgorithm(alg jwa.SignatureAlgorithm) JWTOption {
	return func(v *JWTVerifier) {
		v.algorithm = alg
	}
}

// NewJWTVerifier creates a verifier for tokens signed with secret.
func NewJWTVerifier(secret []byte, opts ...JWTOption) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("jwt secret is required")
	}

	v := &JWTVerifier{
		secret:    secret,
		algorithm: jwa.HS256,
	}
	for _, opt := range opts {
		opt(v)
	}
	if !IsHMACAlgorithm(v.algorithm.String()) {
		return nil, fmt.Errorf("unsupported jwt algorithm %s: only HS256, HS384 and HS512 are accepted", v.algorithm)
	}
	return v, nil
}

// IsHMACAlgorithm reports whether alg names a shared-secret JWS algorithm.
func IsHMACAlgorithm(alg string) bool {
	switch jwa.SignatureAlgorithm(alg) {
	case jwa.HS256, jwa.HS384, jwa.HS512:
		return true
	default:
		return false
	}
}

// Verify implements TokenVerifier. Scopes come from the space-separated
// "scope" claim.
func (v *JWTVerifier) Verify(_ context.Context, token string) (Principal, error) {
	token = StripBearer(token)
	if strings.Count(token, ".") != 2 {
		return Principal{}, ErrMalformedToken
	}

	parseOpts := []jwt.ParseOption{
		jwt.WithKey(v.algorithm, v.secret),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(v.skew),
	}
	if v.issuer != "" {
		parseOpts = append(parseOpts, jwt.WithIssuer(v.issuer))
	}

	parsed, err := jwt.Parse([]byte(token), parseOpts...)
	if err != nil {
		return Principal{}, fmt.Errorf("invalid token: %w", err)
	}

	p := Principal{Subject: parsed.Subject()}
	if raw, ok := parsed.Get("scope"); ok {
		if s, ok := raw.(string); ok {
			p.Scopes = strings.Fields(s)
		}
	}
	return p, nil
}
