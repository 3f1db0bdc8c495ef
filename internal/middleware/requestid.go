package middleware

import (
	"github.com/google/uuid"

	"github.com/vyrodovalexey/avagate/internal/gateway"
)

// RequestID adopts an inbound X-Request-ID as the request id, or
// generates one, and mirrors it into the headers forwarded to backends.
func RequestID() Func {
	return RequestIDWithGenerator(uuid.NewString)
}

// RequestIDWithGenerator is RequestID with a custom id source.
func RequestIDWithGenerator(generator func() string) Func {
	return func(req *gateway.Request) bool {
		id := header(req, HeaderRequestID)
		if id == "" {
			id = req.ID
		}
		if id == "" {
			id = generator()
		}

		req.ID = id
		if req.Headers == nil {
			req.Headers = make(map[string]string, 1)
		}
		req.Headers[HeaderRequestID] = id
		return true
	}
}
