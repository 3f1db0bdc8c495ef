package gateway

import (
	"time"

	"github.com/vyrodovalexey/avagate/internal/backend"
	"github.com/vyrodovalexey/avagate/internal/metrics"
)

// Stage is a step of the request pipeline.
type Stage int

// Pipeline stages in the order a request passes them.
const (
	StageNew Stage = iota
	StageMiddleware
	StageRouted
	StageRateChecked
	StageAuthed
	StageForwarded
	StageMetricsRecorded
	StageDone
)

// String returns the string representation of the stage.
func (s Stage) String() string {
	switch s {
	case StageNew:
		return "new"
	case StageMiddleware:
		return "middleware"
	case StageRouted:
		return "routed"
	case StageRateChecked:
		return "rate_checked"
	case StageAuthed:
		return "authed"
	case StageForwarded:
		return "forwarded"
	case StageMetricsRecorded:
		return "metrics_recorded"
	case StageDone:
		return "done"
	default:
		return "unknown"
	}
}

// Request is an inbound request handed to the gateway by a transport.
type Request struct {
	ID          string
	Path        string
	Method      string
	Headers     map[string]string
	QueryParams map[string]string
	Body        []byte
	Timestamp   time.Time
}

// Response is the outcome of HandleRequest.
type Response struct {
	RequestID  string            `json:"requestId"`
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body,omitempty"`
	Duration   time.Duration     `json:"duration"`
	// Service is the name of the service that answered, empty when the
	// request never reached a backend.
	Service string `json:"service,omitempty"`
	// Stage is where the pipeline stopped. Successful requests end in
	// StageDone.
	Stage Stage `json:"-"`
}

// Middleware inspects a request before routing. Returning false rejects
// it with 403. Middlewares may add headers to the request.
type Middleware func(req *Request) bool

// HealthReport summarizes backend health.
type HealthReport struct {
	Status    string                           `json:"status"`
	Timestamp time.Time                        `json:"timestamp"`
	Services  map[string]backend.HealthSummary `json:"services"`
	Routes    int                              `json:"routes"`
}

// Health statuses.
const (
	HealthStatusHealthy  = "healthy"
	HealthStatusDegraded = "degraded"
)

// Stats summarizes the gateway configuration and traffic.
type Stats struct {
	Routes   int               `json:"routes"`
	Services int               `json:"services"`
	Metrics  metrics.Aggregate `json:"metrics"`
}
