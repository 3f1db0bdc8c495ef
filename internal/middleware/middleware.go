// Package middleware provides request filters that run before routing.
// Each factory returns a gateway.Middleware; a false result rejects the
// request with 403.
package middleware

import (
	"github.com/vyrodovalexey/avagate/internal/auth"
	"github.com/vyrodovalexey/avagate/internal/gateway"
)

// Func is a pre-routing request filter.
type Func = gateway.Middleware

// Header names read or written by the middlewares.
const (
	HeaderOrigin    = "Origin"
	HeaderRequestID = gateway.HeaderRequestID
)

// Chain combines filters into one that stops at the first rejection.
func Chain(funcs ...Func) Func {
	return func(req *gateway.Request) bool {
		for _, fn := range funcs {
			if !fn(req) {
				return false
			}
		}
		return true
	}
}

func header(req *gateway.Request, name string) string {
	return auth.HeaderValue(req.Headers, name)
}
