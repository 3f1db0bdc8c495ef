package config

import (
	"go.uber.org/multierr"

	"github.com/vyrodovalexey/avagate/internal/gateway"
	"github.com/vyrodovalexey/avagate/internal/observability"
	"github.com/vyrodovalexey/avagate/internal/router"
)

// Apply loads cfg's routes, services and API keys into a fresh gateway.
func Apply(gw *gateway.Gateway, cfg *GatewayConfig) error {
	var errs error
	for _, k := range cfg.Auth.APIKeys {
		errs = multierr.Append(errs, gw.Auth().Keys().Add(k.Key, k.ClientID, k.Scopes))
	}
	for _, s := range cfg.Services {
		errs = multierr.Append(errs, gw.AddService(s.ToService()))
	}
	for _, r := range cfg.Routes {
		errs = multierr.Append(errs, gw.AddRoute(r.ToRoute()))
	}
	return errs
}

// ApplyChanges reconciles a running gateway from previous to current.
// When routes are only removed or have their rate limit or enabled flag
// changed, the table is updated in place and other route field changes
// are logged as needing a restart. Added or reordered routes rebuild the
// table in file order, so a new specific route is not shadowed by an
// existing catch-all. Service instances and API keys are added and
// removed.
func ApplyChanges(gw *gateway.Gateway, previous, current *GatewayConfig, logger observability.Logger) error {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if previous == nil {
		previous = &GatewayConfig{}
	}

	var errs error
	errs = multierr.Append(errs, applyRoutes(gw, previous.Routes, current.Routes, logger))
	errs = multierr.Append(errs, applyServices(gw, previous.Services, current.Services))
	errs = multierr.Append(errs, applyKeys(gw, previous.Auth.APIKeys, current.Auth.APIKeys))
	return errs
}

func applyRoutes(gw *gateway.Gateway, previous, current []RouteConfig, logger observability.Logger) error {
	old := make(map[string]router.Route, len(previous))
	for _, rc := range previous {
		r := rc.ToRoute()
		old[r.Key()] = r
	}

	if orderChanged(previous, current) {
		routes := make([]router.Route, 0, len(current))
		for _, rc := range current {
			routes = append(routes, rc.ToRoute())
		}
		logger.Info("rebuilding route table", observability.Int("routes", len(routes)))
		return gw.ReplaceRoutes(routes)
	}

	var errs error
	seen := make(map[string]bool, len(current))
	for _, rc := range current {
		r := rc.ToRoute()
		key := r.Key()
		seen[key] = true

		// Every current route is in old, or orderChanged would have
		// rebuilt the table.
		prev := old[key]
		if prev.RateLimit != r.RateLimit {
			errs = multierr.Append(errs, gw.SetRouteRateLimit(r.Path, r.Method, r.RateLimit))
		}
		if prev.Disabled != r.Disabled {
			errs = multierr.Append(errs, gw.SetRouteEnabled(r.Path, r.Method, r.Enabled()))
		}

		prev.RateLimit, prev.Disabled = r.RateLimit, r.Disabled
		if prev != r {
			logger.Warn("route change needs a restart to take effect",
				observability.String("route", key),
			)
		}
	}

	for key, r := range old {
		if !seen[key] {
			errs = multierr.Append(errs, gw.RemoveRoute(r.Path, r.Method))
		}
	}
	return errs
}

// orderChanged reports whether current adds routes or reorders the ones
// it keeps from previous.
func orderChanged(previous, current []RouteConfig) bool {
	cur := make(map[string]bool, len(current))
	for _, rc := range current {
		r := rc.ToRoute()
		cur[r.Key()] = true
	}

	kept := make([]string, 0, len(previous))
	for _, rc := range previous {
		r := rc.ToRoute()
		if key := r.Key(); cur[key] {
			kept = append(kept, key)
		}
	}
	if len(kept) != len(current) {
		return true
	}
	for i, rc := range current {
		r := rc.ToRoute()
		if r.Key() != kept[i] {
			return true
		}
	}
	return false
}

func applyServices(gw *gateway.Gateway, previous, current []ServiceConfig) error {
	instanceKey := func(s ServiceConfig) string { return s.Name + "@" + s.Address }

	old := make(map[string]bool, len(previous))
	for _, s := range previous {
		old[instanceKey(s)] = true
	}

	var errs error
	seen := make(map[string]bool, len(current))
	for _, s := range current {
		seen[instanceKey(s)] = true
		if !old[instanceKey(s)] {
			errs = multierr.Append(errs, gw.AddService(s.ToService()))
		}
	}
	for _, s := range previous {
		if !seen[instanceKey(s)] {
			gw.Backends().Remove(s.Name, s.Address)
		}
	}
	return errs
}

// applyKeys revokes keys dropped from the file and adds new ones.
func applyKeys(gw *gateway.Gateway, previous, current []APIKeyConfig) error {
	keys := gw.Auth().Keys()

	keep := make(map[string]bool, len(current))
	for _, k := range current {
		keep[k.Key] = true
	}
	old := make(map[string]bool, len(previous))
	for _, k := range previous {
		old[k.Key] = true
		if !keep[k.Key] {
			keys.Revoke(k.Key)
		}
	}

	var errs error
	for _, k := range current {
		if !old[k.Key] {
			errs = multierr.Append(errs, keys.Add(k.Key, k.ClientID, k.Scopes))
		}
	}
	return errs
}
