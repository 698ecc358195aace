// Package configstore holds the hot-swappable configuration bundle (C9): a
// single atomically-loadable pointer to the current Bundle, rebuilt and
// swapped in whole by a ChangeSource without ever blocking a request in
// flight on the new configuration's construction.
package configstore

import (
	"context"
	"sync/atomic"

	"github.com/edgeproxy/edgeproxy/internal/admission"
	"github.com/edgeproxy/edgeproxy/internal/backend"
	"github.com/edgeproxy/edgeproxy/internal/retry"
	"github.com/edgeproxy/edgeproxy/internal/routetable"
	"github.com/edgeproxy/edgeproxy/internal/subscription"
)

// Bundle is an immutable snapshot of everything a request needs to be
// routed, admitted, and forwarded. Once constructed it is never mutated;
// a configuration change produces a new Bundle rather than editing this one.
type Bundle struct {
	Routes        *routetable.Table
	Pool          *backend.Pool
	Admission     *admission.Layer
	Subscriptions *subscription.Cache
	RetryBudget   *retry.Budget

	MaxRequestBody  int64
	SecurityHeaders bool
	RetryConfig     RetryTuning

	// SubscriptionGracePeriod is the number of seconds past expiry a
	// subscription is still honored, applied uniformly wherever
	// Subscriptions is consulted.
	SubscriptionGracePeriod int64

	// HealthyThreshold/UnhealthyThreshold mirror health.Config's passive
	// counterparts, so the forwarding engine's request-path health marking
	// (backend.MarkSuccess/MarkFailure) uses the same operator-configured
	// thresholds as the active health monitor rather than fixed constants.
	HealthyThreshold   uint32
	UnhealthyThreshold uint32
}

// RetryTuning carries the scalar retry knobs the forwarding engine needs
// alongside the RetryBudget handle.
type RetryTuning struct {
	MaxAttempts int
	BaseBackoff int64 // nanoseconds, to keep Bundle free of time.Duration import churn at call sites
	MaxBackoff  int64
}

// Store holds the current Bundle behind an atomic pointer. Readers pay one
// atomic load; writers pay the full build cost of the new Bundle, off the
// request path.
type Store struct {
	current atomic.Pointer[Bundle]
}

// NewStore creates a Store seeded with an initial Bundle.
func NewStore(initial *Bundle) *Store {
	s := &Store{}
	s.current.Store(initial)
	return s
}

// Load returns the current Bundle. Safe for concurrent use; never blocks.
func (s *Store) Load() *Bundle {
	return s.current.Load()
}

// Store atomically replaces the current Bundle. Requests that snapshot
// Load() after this call observes the new Bundle in full; requests that
// already snapshotted the old Bundle continue to completion against it.
func (s *Store) Store(b *Bundle) {
	s.current.Store(b)
}

// ChangeSource delivers rebuilt bundles to Watch. Next either returns
// the next Bundle to swap in, or an error if the incoming configuration was
// invalid — in which case the prior Bundle is left in place.
type ChangeSource interface {
	// Next blocks until a new configuration is available or ctx is
	// cancelled, then returns the freshly built Bundle. Returns
	// (nil, ctx.Err()) on cancellation.
	Next(ctx context.Context) (*Bundle, error)
}

// OnInvalid is called whenever a ChangeSource produces an error instead of
// a Bundle, so callers can log it; the Store is left unchanged.
type OnInvalid func(err error)

// Watch runs until ctx is cancelled, swapping in each Bundle the
// ChangeSource produces. Build failures are reported via onInvalid and
// never swap the pointer, leaving the prior bundle authoritative.
func (s *Store) Watch(ctx context.Context, src ChangeSource, onInvalid OnInvalid) {
	for {
		bundle, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if onInvalid != nil {
				onInvalid(err)
			}
			continue
		}
		s.Store(bundle)
	}
}
