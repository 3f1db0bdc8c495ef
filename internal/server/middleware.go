package server

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avagate/internal/observability"
)

// recovery turns a handler panic into a 500 and logs the stack.
func recovery(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered",
					observability.String("error", fmt.Sprint(err)),
					observability.String("method", c.Request.Method),
					observability.String("path", c.Request.URL.Path),
					observability.String("stack", string(debug.Stack())),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":  "Internal Server Error",
					"status": http.StatusInternalServerError,
				})
			}
		}()
		c.Next()
	}
}

// accessLog logs one line per request, at warn for 4xx and error for 5xx.
func accessLog(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []observability.Field{
			observability.String("method", c.Request.Method),
			observability.String("path", c.Request.URL.Path),
			observability.Int("status", status),
			observability.Duration("latency", time.Since(start)),
			observability.String("client_ip", c.ClientIP()),
			observability.Int("body_size", c.Writer.Size()),
		}
		if id := c.Writer.Header().Get(headerRequestID); id != "" {
			fields = append(fields, observability.String("request_id", id))
		}

		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("request completed", fields...)
		case status >= http.StatusBadRequest:
			logger.Warn("request completed", fields...)
		default:
			logger.Debug("request completed", fields...)
		}
	}
}
