// Package backend implements the proxy's view of a single upstream (C1) and
// the named pools that group upstreams for load balancing (C2).
package backend

import (
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
)

// HealthState is the backend health state machine's current state. Three
// states distinguish "never probed" from "known good" from "evicted" —
// collapsing Unknown into Unhealthy would mean a freshly added backend
// fails every selection attempt until its first probe completes.
type HealthState int32

const (
	Unknown HealthState = iota
	Healthy
	Unhealthy
)

func (s HealthState) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	default:
		return "invalid"
	}
}

// Options configures a Backend at construction time.
type Options struct {
	MaxConcurrent   uint32
	HealthCheckPath string
	CircuitBreaker  CircuitBreakerConfig
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxConcurrent:   0, // 0 = unlimited
		HealthCheckPath: "/",
		CircuitBreaker:  DefaultCircuitBreakerConfig(),
	}
}

// Backend is one upstream endpoint. The network address and base URL are
// immutable after construction; active_connections and health_state are
// mutable and accessed from many goroutines concurrently, hence atomics.
type Backend struct {
	Name            string
	Addr            string
	BaseURL         *url.URL
	MaxConcurrent   uint32
	HealthCheckPath string

	active    uint32 // atomic: current active_connections
	state     int32  // atomic: HealthState
	consecSuc uint32 // atomic: consecutive_successes
	consecFl  uint32 // atomic: consecutive_failures

	cb *circuitBreaker

	mu sync.Mutex // guards the CAS-adjacent health transition bookkeeping above from racing the same-direction counter reset
}

// New creates a Backend from a raw address and URL.
func New(name, rawURL string, opts Options) (*Backend, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL %q: %w", rawURL, err)
	}
	if opts.HealthCheckPath == "" {
		opts.HealthCheckPath = "/"
	}
	return &Backend{
		Name:            name,
		Addr:            u.Host,
		BaseURL:         u,
		MaxConcurrent:   opts.MaxConcurrent,
		HealthCheckPath: opts.HealthCheckPath,
		state:           int32(Unknown),
		cb:              newCircuitBreaker(opts.CircuitBreaker),
	}, nil
}

// Guard releases an acquired connection slot when dropped.
type Guard struct {
	b        *Backend
	released int32
}

// Release decrements the backend's active connection count. Safe to call
// more than once; only the first call has an effect.
func (g *Guard) Release() {
	if g == nil {
		return
	}
	if atomic.CompareAndSwapInt32(&g.released, 0, 1) {
		atomic.AddUint32(&g.b.active, ^uint32(0)) // -1
	}
}

// TryAcquire atomically increments active_connections iff the result would
// remain within MaxConcurrent (0 = unlimited), returning a Guard whose
// Release decrements it back. Returns nil if the backend is saturated.
func (b *Backend) TryAcquire() *Guard {
	for {
		cur := atomic.LoadUint32(&b.active)
		if b.MaxConcurrent > 0 && cur >= b.MaxConcurrent {
			return nil
		}
		if atomic.CompareAndSwapUint32(&b.active, cur, cur+1) {
			return &Guard{b: b}
		}
	}
}

// ActiveConnections returns the current active connection count.
func (b *Backend) ActiveConnections() uint32 {
	return atomic.LoadUint32(&b.active)
}

// State returns the current health state.
func (b *Backend) State() HealthState {
	return HealthState(atomic.LoadInt32(&b.state))
}

// IsSelectable reports whether the backend may be handed to a new request:
// its health state machine must not be Unhealthy, and its circuit breaker
// (a faster-tripping, independent gate) must allow traffic.
func (b *Backend) IsSelectable() bool {
	return b.State() != Unhealthy && b.cb.Allow()
}

// MarkSuccess records a successful probe or attempt outcome. From Unhealthy,
// healthy_threshold consecutive successes are required before transitioning
// back to Healthy; from Healthy or Unknown, a single success is enough.
func (b *Backend) MarkSuccess(healthyThreshold uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	atomic.StoreUint32(&b.consecFl, 0)
	cur := HealthState(atomic.LoadInt32(&b.state))

	switch cur {
	case Unhealthy:
		n := atomic.AddUint32(&b.consecSuc, 1)
		if healthyThreshold == 0 || n >= healthyThreshold {
			atomic.StoreInt32(&b.state, int32(Healthy))
			atomic.StoreUint32(&b.consecSuc, 0)
		}
	case Healthy, Unknown:
		atomic.StoreInt32(&b.state, int32(Healthy))
		atomic.StoreUint32(&b.consecSuc, 0)
	}
	b.cb.RecordSuccess()
}

// MarkFailure records a failed probe or attempt outcome. From Unknown or
// Healthy, unhealthy_threshold consecutive failures are required before
// transitioning to Unhealthy; once Unhealthy, it stays Unhealthy and the
// failure counter is held at zero (only the success counter matters for
// the way back to Healthy).
func (b *Backend) MarkFailure(unhealthyThreshold uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	atomic.StoreUint32(&b.consecSuc, 0)
	cur := HealthState(atomic.LoadInt32(&b.state))

	switch cur {
	case Unknown, Healthy:
		n := atomic.AddUint32(&b.consecFl, 1)
		if unhealthyThreshold == 0 || n >= unhealthyThreshold {
			atomic.StoreInt32(&b.state, int32(Unhealthy))
			atomic.StoreUint32(&b.consecFl, 0)
		}
	case Unhealthy:
		atomic.StoreUint32(&b.consecFl, 0)
	}
	b.cb.RecordFailure()
}

// CircuitState returns the current circuit breaker state, for status/admin
// surfaces.
func (b *Backend) CircuitState() CircuitState {
	return b.cb.State()
}

// ResetCircuit forces the circuit breaker back to closed, used by admin
// operator intervention.
func (b *Backend) ResetCircuit() {
	b.cb.Reset()
}
