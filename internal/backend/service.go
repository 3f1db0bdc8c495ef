// Package backend manages the service instances requests are forwarded
// to: their health flags, per-service load balancing, circuit breaking
// and the forwarding transport.
package backend

import (
	"fmt"
	"maps"
	"strings"
	"sync/atomic"
	"time"
)

// Status represents the health status of a service instance.
type Status int32

const (
	// StatusHealthy instances are eligible for selection.
	StatusHealthy Status = iota
	// StatusUnhealthy instances are skipped by every strategy.
	StatusUnhealthy
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// ParseStatus converts "healthy" or "unhealthy".
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(s) {
	case "healthy":
		return StatusHealthy, nil
	case "unhealthy":
		return StatusUnhealthy, nil
	default:
		return StatusUnhealthy, fmt.Errorf("unknown status %q", s)
	}
}

// Service defaults.
const (
	DefaultHealthCheckPath     = "/health"
	DefaultHealthCheckInterval = 30 * time.Second
	DefaultWeight              = 100
)

// Service is one instance of a named backend service. Many instances may
// share a Name. Status and failure counters are safe for concurrent use.
type Service struct {
	Name                string
	Address             string
	HealthCheckPath     string
	HealthCheckInterval time.Duration
	Weight              int
	Metadata            map[string]string

	status    atomic.Int32
	failures  atomic.Int64
	lastCheck atomic.Int64
}

// NewService creates a healthy instance with default health check
// settings and weight.
func NewService(name, address string) *Service {
	return &Service{
		Name:                name,
		Address:             address,
		HealthCheckPath:     DefaultHealthCheckPath,
		HealthCheckInterval: DefaultHealthCheckInterval,
		Weight:              DefaultWeight,
		Metadata:            make(map[string]string),
	}
}

// Status returns the instance status.
func (s *Service) Status() Status {
	return Status(s.status.Load())
}

// IsHealthy reports whether the instance can be selected.
func (s *Service) IsHealthy() bool {
	return s.Status() == StatusHealthy
}

// SetStatus records the outcome of an external health check.
func (s *Service) SetStatus(status Status) {
	s.status.Store(int32(status))
	s.lastCheck.Store(time.Now().UnixNano())
	if status == StatusHealthy {
		s.failures.Store(0)
	}
}

// RecordFailure increments the consecutive failure count and returns it.
func (s *Service) RecordFailure() int64 {
	return s.failures.Add(1)
}

// FailureCount returns the consecutive failure count.
func (s *Service) FailureCount() int64 {
	return s.failures.Load()
}

// LastHealthCheck returns when the status was last set, or the zero time.
func (s *Service) LastHealthCheck() time.Time {
	ns := s.lastCheck.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// URL returns the instance base URL. Addresses without a scheme are
// treated as plain HTTP.
func (s *Service) URL() string {
	if strings.Contains(s.Address, "://") {
		return strings.TrimRight(s.Address, "/")
	}
	return "http://" + strings.TrimRight(s.Address, "/")
}

// HealthCheckURL returns the URL an external prober should poll.
func (s *Service) HealthCheckURL() string {
	return s.URL() + s.HealthCheckPath
}

// Snapshot is a point-in-time copy of an instance for reporting.
type Snapshot struct {
	Name            string            `json:"name"`
	Address         string            `json:"address"`
	Weight          int               `json:"weight"`
	Status          string            `json:"status"`
	FailureCount    int64             `json:"failureCount"`
	LastHealthCheck time.Time         `json:"lastHealthCheck,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Snapshot copies the instance state.
func (s *Service) Snapshot() Snapshot {
	return Snapshot{
		Name:            s.Name,
		Address:         s.Address,
		Weight:          s.Weight,
		Status:          s.Status().String(),
		FailureCount:    s.FailureCount(),
		LastHealthCheck: s.LastHealthCheck(),
		Metadata:        maps.Clone(s.Metadata),
	}
}
