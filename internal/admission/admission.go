// Package admission implements the admission layer (C6): a per-tenant
// token-bucket rate limiter and a long-lived connection quota, each gating
// requests before they reach the forwarding engine.
package admission

import (
	"sync"

	"golang.org/x/time/rate"
)

// ValidAddress reports whether addr has the shape of a well-formed user
// address: "0x" followed by exactly 40 hex characters (a 20-byte address).
func ValidAddress(addr string) bool {
	if len(addr) != 42 || addr[0] != '0' || addr[1] != 'x' {
		return false
	}
	for _, c := range addr[2:] {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// TierRate configures the token bucket for one subscription tier.
type TierRate struct {
	RequestsPerSecond float64
	BurstMultiplier   float64 // burst capacity = RequestsPerSecond * BurstMultiplier
}

// RateLimitConfig configures the token-bucket rate limiter across tiers.
// Tier 0 is the anonymous/default tier.
type RateLimitConfig struct {
	Tiers map[uint8]TierRate
}

// DefaultRateLimitConfig returns a conservative default: anonymous traffic
// at tier 0 gets a modest rate, tiers 1-3 scale up.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Tiers: map[uint8]TierRate{
			0: {RequestsPerSecond: 2, BurstMultiplier: 2},
			1: {RequestsPerSecond: 5, BurstMultiplier: 2},
			2: {RequestsPerSecond: 20, BurstMultiplier: 2},
			3: {RequestsPerSecond: 100, BurstMultiplier: 2},
		},
	}
}

func (c RateLimitConfig) rateFor(tier uint8) TierRate {
	if r, ok := c.Tiers[tier]; ok {
		return r
	}
	return c.Tiers[0]
}

// RateLimiter is a token-bucket limiter keyed by (user address or client
// IP), backed by golang.org/x/time/rate.Limiter per key. A single mutex
// guards the map; each limiter's refill math runs outside that map lock,
// under the limiter's own per-key lock, so contention stays bounded under
// the expected cardinality.
type RateLimiter struct {
	cfg      RateLimitConfig
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	tiers    map[string]uint8
}

// NewRateLimiter creates a RateLimiter.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
		tiers:    make(map[string]uint8),
	}
}

// Acquire draws one token from key's bucket, creating it (or resizing it,
// if the caller's tier for this key has changed) on demand. Returns false
// when the bucket is empty (the request must be rejected with 429).
func (rl *RateLimiter) Acquire(key string, tier uint8) bool {
	tr := rl.cfg.rateFor(tier)

	rl.mu.Lock()
	lim, ok := rl.limiters[key]
	if !ok || rl.tiers[key] != tier {
		lim = rate.NewLimiter(rate.Limit(tr.RequestsPerSecond), int(tr.RequestsPerSecond*tr.BurstMultiplier))
		rl.limiters[key] = lim
		rl.tiers[key] = tier
	}
	rl.mu.Unlock()

	return lim.Allow()
}

// Forget removes a key's bucket, used by tests and bounded cardinality
// maintenance; not required for correctness since the bucket set is
// bounded by the paying-user population.
func (rl *RateLimiter) Forget(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.limiters, key)
	delete(rl.tiers, key)
}

// QosConfig configures per-tier long-lived connection limits.
type QosConfig struct {
	TierMaxConns map[uint8]int
}

// DefaultQosConfig returns conservative long-lived connection caps.
func DefaultQosConfig() QosConfig {
	return QosConfig{
		TierMaxConns: map[uint8]int{0: 1, 1: 2, 2: 10, 3: 50},
	}
}

func (c QosConfig) limitFor(tier uint8) int {
	if n, ok := c.TierMaxConns[tier]; ok {
		return n
	}
	return c.TierMaxConns[0]
}

// ConnectionTracker bounds the number of concurrent long-lived
// (WebSocket/SSE) connections per user. Entries are never evicted — the
// set of paying users is bounded, so the map never grows unbounded.
type ConnectionTracker struct {
	cfg    QosConfig
	mu     sync.Mutex
	counts map[string]int
}

// NewConnectionTracker creates a ConnectionTracker.
func NewConnectionTracker(cfg QosConfig) *ConnectionTracker {
	return &ConnectionTracker{cfg: cfg, counts: make(map[string]int)}
}

// TryOpen increments the connection count for address iff current < the
// tier's limit. Returns false when the limit is reached.
func (ct *ConnectionTracker) TryOpen(address string, tier uint8) bool {
	limit := ct.cfg.limitFor(tier)

	ct.mu.Lock()
	defer ct.mu.Unlock()

	if ct.counts[address] < limit {
		ct.counts[address]++
		return true
	}
	return false
}

// Close decrements the connection count for address, floored at zero.
func (ct *ConnectionTracker) Close(address string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.counts[address] > 0 {
		ct.counts[address]--
	}
}

// Count returns the current open long-lived connection count for address,
// for observability.
func (ct *ConnectionTracker) Count(address string) int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.counts[address]
}

// DenialReason enumerates why admission rejected a request.
type DenialReason string

const (
	DenialNone          DenialReason = ""
	DenialMissingUser   DenialReason = "missing_user"
	DenialMalformedUser DenialReason = "malformed_user"
	DenialExpired       DenialReason = "expired_subscription"
	DenialRateLimited   DenialReason = "rate_limited"
	DenialQosLimited    DenialReason = "qos_limited"
	DenialGeoBlocked    DenialReason = "geo_blocked"
)

// Layer bundles the rate limiter and connection tracker behind the single
// admission decision point the forwarding engine calls into.
type Layer struct {
	RateLimiter *RateLimiter
	Qos         *ConnectionTracker
	Geo         *GeoPredicate // optional, nil disables the check
}

// New creates a Layer from its component configs. geo may be nil.
func New(rateCfg RateLimitConfig, qosCfg QosConfig, geo *GeoPredicate) *Layer {
	return &Layer{
		RateLimiter: NewRateLimiter(rateCfg),
		Qos:         NewConnectionTracker(qosCfg),
		Geo:         geo,
	}
}

// AdmitRequest runs the rate-limiter check for a plain (non-long-lived)
// request. key is the user address if authenticated, else the client IP.
func (l *Layer) AdmitRequest(key, clientIP string, tier uint8) DenialReason {
	if l.Geo != nil && !l.Geo.Allow(clientIP) {
		return DenialGeoBlocked
	}
	if !l.RateLimiter.Acquire(key, tier) {
		return DenialRateLimited
	}
	return DenialNone
}

// AdmitLongLived runs the long-lived connection guard for a WebSocket/SSE
// upgrade request, in addition to the rate limiter.
func (l *Layer) AdmitLongLived(key, clientIP, userAddress string, tier uint8) DenialReason {
	if reason := l.AdmitRequest(key, clientIP, tier); reason != DenialNone {
		return reason
	}
	if !l.Qos.TryOpen(userAddress, tier) {
		return DenialQosLimited
	}
	return DenialNone
}
