package middleware

import (
	"github.com/vyrodovalexey/avagate/internal/gateway"
	"github.com/vyrodovalexey/avagate/internal/observability"
)

// Logging logs every request entering the pipeline and never rejects.
func Logging(logger observability.Logger) Func {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return func(req *gateway.Request) bool {
		logger.Info("request received",
			observability.String("request_id", req.ID),
			observability.String("method", req.Method),
			observability.String("path", req.Path),
			observability.Time("timestamp", req.Timestamp),
		)
		return true
	}
}
