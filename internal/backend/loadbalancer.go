package backend

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strings"
	"sync/atomic"
)

// Strategy selects how a LoadBalancer picks among healthy instances.
type Strategy int

const (
	// RoundRobin cycles through healthy instances.
	RoundRobin Strategy = iota
	// Random picks a healthy instance uniformly.
	Random
	// Weighted picks a healthy instance with probability proportional to
	// its weight.
	Weighted
)

// String returns the configuration name of the strategy.
func (s Strategy) String() string {
	switch s {
	case RoundRobin:
		return "round_robin"
	case Random:
		return "random"
	case Weighted:
		return "weighted"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy converts a configuration name into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "-", "_")) {
	case "round_robin", "roundrobin", "":
		return RoundRobin, nil
	case "random":
		return Random, nil
	case "weighted":
		return Weighted, nil
	default:
		return RoundRobin, fmt.Errorf("unknown load balancing strategy %q", s)
	}
}

// LoadBalancer picks one healthy instance per call. The strategy is bound
// at construction; the round-robin cursor belongs to this balancer only.
type LoadBalancer struct {
	strategy Strategy
	cursor   atomic.Uint64
	randInt  func(n int) int
	pick     func(lb *LoadBalancer, healthy []*Service) *Service
}

// LoadBalancerOption configures a LoadBalancer.
type LoadBalancerOption func(*LoadBalancer)

// WithRandSource replaces the random source used by Random and Weighted.
// fn must return a value in [0, n).
func WithRandSource(fn func(n int) int) LoadBalancerOption {
	return func(lb *LoadBalancer) {
		lb.randInt = fn
	}
}

// NewLoadBalancer creates a balancer for strategy. Unknown strategies fall
// back to round robin.
func NewLoadBalancer(strategy Strategy, opts ...LoadBalancerOption) *LoadBalancer {
	lb := &LoadBalancer{
		strategy: strategy,
		randInt:  secureRandomInt,
	}
	for _, opt := range opts {
		opt(lb)
	}

	switch strategy {
	case Random:
		lb.pick = (*LoadBalancer).pickRandom
	case Weighted:
		lb.pick = (*LoadBalancer).pickWeighted
	default:
		lb.strategy = RoundRobin
		lb.pick = (*LoadBalancer).pickRoundRobin
	}

	return lb
}

// Strategy returns the bound strategy.
func (lb *LoadBalancer) Strategy() Strategy {
	return lb.strategy
}

// Select returns a healthy instance, or nil when none is healthy.
func (lb *LoadBalancer) Select(services []*Service) *Service {
	healthy := make([]*Service, 0, len(services))
	for _, s := range services {
		if s.IsHealthy() {
			healthy = append(healthy, s)
		}
	}
	if len(healthy) == 0 {
		return nil
	}
	return lb.pick(lb, healthy)
}

func (lb *LoadBalancer) pickRoundRobin(healthy []*Service) *Service {
	idx := lb.cursor.Add(1) - 1
	return healthy[idx%uint64(len(healthy))]
}

func (lb *LoadBalancer) pickRandom(healthy []*Service) *Service {
	return healthy[lb.randInt(len(healthy))]
}

// pickWeighted draws r in [0, total) and returns the first instance whose
// cumulative weight exceeds r.
func (lb *LoadBalancer) pickWeighted(healthy []*Service) *Service {
	total := 0
	for _, s := range healthy {
		total += s.Weight
	}
	if total <= 0 {
		return healthy[len(healthy)-1]
	}

	r := lb.randInt(total)
	cumulative := 0
	for _, s := range healthy {
		cumulative += s.Weight
		if cumulative > r {
			return s
		}
	}
	return healthy[len(healthy)-1]
}

// secureRandomInt returns a random int in [0, n) using crypto/rand.
func secureRandomInt(n int) int {
	if n <= 1 {
		return 0
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return int(binary.LittleEndian.Uint64(b[:]) % uint64(n)) //nolint:gosec // n is positive
}
