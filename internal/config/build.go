package config

import (
	"fmt"
	"time"

	"github.com/edgeproxy/edgeproxy/internal/admission"
	"github.com/edgeproxy/edgeproxy/internal/backend"
	"github.com/edgeproxy/edgeproxy/internal/configstore"
	"github.com/edgeproxy/edgeproxy/internal/retry"
	"github.com/edgeproxy/edgeproxy/internal/routetable"
	"github.com/edgeproxy/edgeproxy/internal/subscription"
)

const (
	defaultBaseBackoff = 50 * time.Millisecond
	defaultMaxBackoff  = 2 * time.Second

	defaultGracePeriod        = 86400
	defaultHealthyThreshold   = 2
	defaultUnhealthyThreshold = 3
)

// Build turns a validated Config into a configstore.Bundle. Construction
// runs entirely off the request path; only the resulting pointer swap
// (configstore.Store.Store) is observable to in-flight requests.
//
// prev, when non-nil, is the bundle being replaced. Its subscription cache
// is carried forward as-is (so subscription state set by the payment
// watcher survives a config reload), and its retry budget is reconfigured
// in place and carried forward rather than replaced, so the rolling
// retry-to-request ratio is not reset by a reload (see DESIGN.md's
// resolution of the ConfigSubstrate continuity question and Open
// Question 1).
func Build(cfg *Config, prev *configstore.Bundle) (*configstore.Bundle, error) {
	routeSpecs := make([]routetable.RouteSpec, 0, len(cfg.Routes))
	for _, r := range cfg.Routes {
		routeSpecs = append(routeSpecs, routetable.RouteSpec{
			Name:         r.Name,
			Host:         r.Host,
			PathPrefix:   r.PathPrefix,
			BackendGroup: r.BackendGroup,
			Priority:     r.Priority,
		})
	}
	routes := routetable.Compile(routeSpecs)

	groups := make(map[string]*backend.Group, len(cfg.BackendGroups))
	for name, gc := range cfg.BackendGroups {
		algo := backend.RoundRobin
		if gc.Algorithm == "least_connections" {
			algo = backend.LeastConnections
		}
		backends := make([]*backend.Backend, 0, len(gc.Backends))
		for _, bc := range gc.Backends {
			opts := backend.DefaultOptions()
			opts.MaxConcurrent = bc.MaxConnections
			opts.HealthCheckPath = bc.HealthCheckPath
			b, err := backend.New(bc.Name, "http://"+bc.Address, opts)
			if err != nil {
				return nil, fmt.Errorf("backend_group %q: %w", name, err)
			}
			backends = append(backends, b)
		}
		groups[name] = backend.NewGroup(name, algo, backends)
	}
	pool := backend.NewPool(groups)

	rateCfg := admission.RateLimitConfig{Tiers: map[uint8]admission.TierRate{
		0: {RequestsPerSecond: cfg.Admission.DefaultRate.RPS, BurstMultiplier: burstMultiplier(cfg.Admission.DefaultRate)},
	}}
	for tier, rc := range cfg.Admission.Tiers {
		rateCfg.Tiers[tier] = admission.TierRate{RequestsPerSecond: rc.RPS, BurstMultiplier: burstMultiplier(rc)}
	}
	if rateCfg.Tiers[0].RequestsPerSecond == 0 {
		rateCfg = admission.DefaultRateLimitConfig()
	}

	qosCfg := admission.QosConfig{TierMaxConns: map[uint8]int{}}
	for tier, n := range cfg.Admission.LongLived {
		qosCfg.TierMaxConns[tier] = n
	}
	if len(qosCfg.TierMaxConns) == 0 {
		qosCfg = admission.DefaultQosConfig()
	}

	var geo *admission.GeoPredicate
	if cfg.Admission.GeoIP.Enabled {
		g, err := admission.NewGeoPredicate(admission.GeoConfig{
			DatabasePath: cfg.Admission.GeoIP.DBPath,
			AllowList:    cfg.Admission.GeoIP.Allow,
			DenyList:     cfg.Admission.GeoIP.Deny,
		})
		if err != nil {
			return nil, fmt.Errorf("admission.geoip: %w", err)
		}
		geo = g
	}

	admissionLayer := admission.New(rateCfg, qosCfg, geo)

	var prevSubscriptions *subscription.Cache
	var prevBudget *retry.Budget
	if prev != nil {
		prevSubscriptions = prev.Subscriptions
		prevBudget = prev.RetryBudget
	}

	var subCache *subscription.Cache
	switch {
	case !cfg.Subscriptions.Enabled:
		subCache = nil
	case prevSubscriptions != nil:
		subCache = prevSubscriptions
	case cfg.Subscriptions.SnapshotPath != "":
		c, err := subscription.LoadFromFile(cfg.Subscriptions.SnapshotPath)
		if err != nil {
			return nil, fmt.Errorf("subscriptions: %w", err)
		}
		subCache = c
	default:
		subCache = subscription.New("")
	}

	budgetCfg := retry.BudgetConfig{
		BufferRatio: orDefault(cfg.Retry.BudgetRatio, 0.2),
		MinRequests: orDefaultU64(cfg.Retry.MinRequests, 10),
	}
	budget := prevBudget
	if budget != nil {
		budget.Reconfigure(budgetCfg)
	} else {
		budget = retry.NewBudget(budgetCfg)
	}

	return &configstore.Bundle{
		Routes:        routes,
		Pool:          pool,
		Admission:     admissionLayer,
		Subscriptions: subCache,
		RetryBudget:   budget,

		MaxRequestBody:  orDefaultI64(cfg.MaxRequestBody, 2*1024*1024),
		SecurityHeaders: cfg.SecurityHeaders,
		RetryConfig: configstore.RetryTuning{
			MaxAttempts: orDefaultInt(cfg.Retry.MaxAttempts, 1),
			BaseBackoff: int64(orDefaultDuration(cfg.Retry.BaseBackoff, defaultBaseBackoff)),
			MaxBackoff:  int64(orDefaultDuration(cfg.Retry.MaxBackoff, defaultMaxBackoff)),
		},

		SubscriptionGracePeriod: orDefaultI64(cfg.Subscriptions.GracePeriod, defaultGracePeriod),
		HealthyThreshold:        orDefaultU32(cfg.HealthCheck.HealthyThreshold, defaultHealthyThreshold),
		UnhealthyThreshold:      orDefaultU32(cfg.HealthCheck.UnhealthyThreshold, defaultUnhealthyThreshold),
	}, nil
}

func burstMultiplier(rc RateConfig) float64 {
	if rc.RPS <= 0 {
		return 2
	}
	return rc.Burst / rc.RPS
}

func orDefault(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultU64(v, def uint64) uint64 {
	if v == 0 {
		return def
	}
	return v
}

func orDefaultI64(v, def int64) int64 {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultU32(v, def uint32) uint32 {
	if v == 0 {
		return def
	}
	return v
}

func orDefaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
