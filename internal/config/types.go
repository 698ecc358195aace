// Package config implements the YAML configuration schema and the
// validate-then-build pipeline that turns a file on disk into a
// configstore.Bundle, plus an fsnotify-backed ChangeSource for live reload.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Listen          string                 `yaml:"listen"`
	TLS             TLSConfig              `yaml:"tls"`
	MaxRequestBody  int64                  `yaml:"max_request_body"`
	ShutdownTimeout time.Duration          `yaml:"shutdown_timeout"`
	SecurityHeaders bool                   `yaml:"security_headers"`
	Log             LogConfig              `yaml:"log"`
	Routes          []RouteConfig          `yaml:"routes"`
	BackendGroups   map[string]GroupConfig `yaml:"backend_groups"`
	Retry           RetryConfig            `yaml:"retry"`
	HealthCheck     HealthCheckConfig      `yaml:"health_check"`
	Admission       AdmissionConfig        `yaml:"admission"`
	Subscriptions   SubscriptionConfig     `yaml:"subscriptions"`
	Admin           AdminConfig            `yaml:"admin"`
}

// TLSConfig configures TLS termination on the listener.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// RouteConfig is one route table entry.
type RouteConfig struct {
	Name         string `yaml:"name"`
	Host         string `yaml:"host"`
	PathPrefix   string `yaml:"path_prefix"`
	BackendGroup string `yaml:"backend_group"`
	Priority     int    `yaml:"priority"`
}

// GroupConfig is one named backend group.
type GroupConfig struct {
	Algorithm string          `yaml:"algorithm"` // round_robin, least_connections
	Backends  []BackendConfig `yaml:"backends"`
}

// BackendConfig is one upstream within a group.
type BackendConfig struct {
	Name            string `yaml:"name"`
	Address         string `yaml:"address"`
	MaxConnections  uint32 `yaml:"max_connections"`
	HealthCheckPath string `yaml:"health_check_path"`
}

// RetryConfig configures the retry budget and backoff.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	BudgetRatio float64       `yaml:"budget_ratio"`
	MinRequests uint64        `yaml:"min_requests"`
}

// HealthCheckConfig configures the active health monitor.
type HealthCheckConfig struct {
	Interval           time.Duration `yaml:"interval"`
	Timeout            time.Duration `yaml:"timeout"`
	HealthyThreshold   uint32        `yaml:"healthy_threshold"`
	UnhealthyThreshold uint32        `yaml:"unhealthy_threshold"`
}

// AdmissionConfig configures the rate limiter, long-lived quotas, and
// optional GeoIP gate.
type AdmissionConfig struct {
	DefaultRate RateConfig           `yaml:"default_rate"`
	Tiers       map[uint8]RateConfig `yaml:"tiers"`
	LongLived   map[uint8]int        `yaml:"longlived"`
	GeoIP       GeoIPConfig          `yaml:"geoip"`
}

// RateConfig is one tier's token-bucket rate and burst capacity.
type RateConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst float64 `yaml:"burst"`
}

// GeoIPConfig configures the optional country admission predicate.
type GeoIPConfig struct {
	Enabled bool     `yaml:"enabled"`
	DBPath  string   `yaml:"db_path"`
	Allow   []string `yaml:"allow"`
	Deny    []string `yaml:"deny"`
}

// SubscriptionConfig configures the subscription cache and payment gate.
type SubscriptionConfig struct {
	Enabled      bool   `yaml:"enabled"`
	GracePeriod  int64  `yaml:"grace_period"`
	SnapshotPath string `yaml:"snapshot_path"`
}

// AdminConfig configures the read-only admin/status surface.
type AdminConfig struct {
	Addr       string   `yaml:"addr"`
	Token      string   `yaml:"token"`
	AllowedIPs []string `yaml:"allowed_ips"`
}

// Parse parses configuration from YAML bytes and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if len(c.Routes) == 0 {
		return fmt.Errorf("at least one route is required")
	}
	if len(c.BackendGroups) == 0 {
		return fmt.Errorf("at least one backend_group is required")
	}

	for _, r := range c.Routes {
		if r.BackendGroup == "" {
			return fmt.Errorf("route %q: backend_group is required", r.Name)
		}
		if _, ok := c.BackendGroups[r.BackendGroup]; !ok {
			return fmt.Errorf("route %q: unknown backend_group %q", r.Name, r.BackendGroup)
		}
	}

	for name, g := range c.BackendGroups {
		if len(g.Backends) == 0 {
			return fmt.Errorf("backend_group %q: at least one backend is required", name)
		}
		switch g.Algorithm {
		case "", "round_robin", "least_connections":
		default:
			return fmt.Errorf("backend_group %q: unknown algorithm %q", name, g.Algorithm)
		}
		for _, b := range g.Backends {
			if b.Name == "" || b.Address == "" {
				return fmt.Errorf("backend_group %q: backend missing name or address", name)
			}
		}
	}

	validLevels := map[string]bool{"": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	if c.Subscriptions.Enabled && c.Subscriptions.GracePeriod < 0 {
		return fmt.Errorf("subscriptions.grace_period must be non-negative")
	}

	if c.Admission.GeoIP.Enabled && c.Admission.GeoIP.DBPath == "" {
		return fmt.Errorf("admission.geoip.db_path is required when geoip is enabled")
	}

	return nil
}
