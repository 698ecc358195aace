package admission

import (
	"fmt"
	"net"
	"sync"

	"github.com/oschwald/geoip2-golang"
)

// GeoConfig configures the optional country allow/deny predicate.
type GeoConfig struct {
	DatabasePath string
	AllowList    []string // ISO country codes; empty means "allow all except DenyList"
	DenyList     []string
}

// GeoPredicate gates admission by the client IP's resolved country, using a
// MaxMind GeoLite2-Country (or GeoIP2-Country) database. Disabled unless
// explicitly configured; nil GeoPredicate means the check is skipped.
type GeoPredicate struct {
	mu       sync.RWMutex
	db       *geoip2.Reader
	allowSet map[string]struct{}
	denySet  map[string]struct{}
	hasAllow bool
}

// NewGeoPredicate opens the MaxMind database at cfg.DatabasePath.
func NewGeoPredicate(cfg GeoConfig) (*GeoPredicate, error) {
	db, err := geoip2.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening geoip database %q: %w", cfg.DatabasePath, err)
	}
	allow := make(map[string]struct{}, len(cfg.AllowList))
	for _, c := range cfg.AllowList {
		allow[c] = struct{}{}
	}
	deny := make(map[string]struct{}, len(cfg.DenyList))
	for _, c := range cfg.DenyList {
		deny[c] = struct{}{}
	}
	return &GeoPredicate{
		db:       db,
		allowSet: allow,
		denySet:  deny,
		hasAllow: len(allow) > 0,
	}, nil
}

// Close releases the underlying database file.
func (g *GeoPredicate) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.db.Close()
}

// Allow resolves clientIP to a country and reports whether the request may
// proceed. Unparseable IPs and lookup failures are allowed through — this
// predicate is a supplemental gate, never the sole admission mechanism.
func (g *GeoPredicate) Allow(clientIP string) bool {
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return true
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	record, err := g.db.Country(ip)
	if err != nil {
		return true
	}
	return g.decide(record.Country.IsoCode)
}

// decide applies the allow/deny country-code sets to an already-resolved
// ISO code, split out from Allow so the policy can be tested without a
// MaxMind database fixture.
func (g *GeoPredicate) decide(code string) bool {
	if code == "" {
		return true
	}
	if _, denied := g.denySet[code]; denied {
		return false
	}
	if g.hasAllow {
		_, allowed := g.allowSet[code]
		return allowed
	}
	return true
}
