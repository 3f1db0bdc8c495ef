package middleware

import (
	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/avagate/internal/gateway"
)

// Throttle caps the total request rate entering the gateway, across all
// routes and clients. Requests beyond rps with the given burst are
// rejected before routing.
func Throttle(rps float64, burst int) Func {
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return ThrottleWithLimiter(limiter)
}

// ThrottleWithLimiter is Throttle over an existing limiter.
func ThrottleWithLimiter(limiter *rate.Limiter) Func {
	return func(_ *gateway.Request) bool {
		return limiter.Allow()
	}
}
