// Package observability provides structured logging and distributed
// tracing for the gateway.
//
// # Logging
//
// The Logger interface wraps zap:
//
//	logger, err := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("route registered",
//	    observability.String("path", "/api/users/{id}"),
//	    observability.Int("rate_limit", 100),
//	)
//
// Request-scoped fields (request ID, client ID, trace ID) are attached with
// WithContext.
//
// # Tracing
//
// OpenTelemetry tracing with optional OTLP gRPC export:
//
//	tracer, err := observability.NewTracer(ctx, observability.TracerConfig{
//	    ServiceName:  "avagate",
//	    OTLPEndpoint: "localhost:4317",
//	    SamplingRate: 1.0,
//	    Enabled:      true,
//	})
//	defer tracer.Shutdown(ctx)
package observability
