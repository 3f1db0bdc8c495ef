package main

import (
	"github.com/vyrodovalexey/avagate/internal/config"
	"github.com/vyrodovalexey/avagate/internal/gateway"
	"github.com/vyrodovalexey/avagate/internal/middleware"
	"github.com/vyrodovalexey/avagate/internal/observability"
)

// buildMiddlewares returns the configured filters in execution order:
// request id, logging, throttle, CORS, then expressions.
func buildMiddlewares(cfg config.MiddlewareConfig, logger observability.Logger) ([]gateway.Middleware, error) {
	var chain []gateway.Middleware

	if cfg.RequestID {
		chain = append(chain, middleware.RequestID())
	}
	if cfg.Logging {
		chain = append(chain, middleware.Logging(logger))
	}
	if cfg.Throttle.Enabled {
		chain = append(chain, middleware.Throttle(cfg.Throttle.RPS, cfg.Throttle.Burst))
	}
	if cfg.CORS.Enabled {
		chain = append(chain, middleware.CORS(cfg.CORS.AllowOrigins))
	}
	for _, expr := range cfg.Expressions {
		mw, err := middleware.Expression(expr, logger)
		if err != nil {
			return nil, err
		}
		chain = append(chain, mw)
	}

	return chain, nil
}
