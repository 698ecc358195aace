// Package quote defines the boundary between the proxy's admission layer
// and whatever resolves a user address to a subscription tier. The
// production resolver talks to an on-chain quote generator; that client is
// out of scope here, so this package only specifies the interface and a
// static implementation for tests and config-driven deployments.
package quote

import "context"

// Resolver looks up the subscription tier for an authenticated user
// address. ok is false when the address is unknown to the resolver.
type Resolver interface {
	Tier(ctx context.Context, userAddress string) (tier uint8, ok bool)
}

// StaticResolver resolves tiers from a fixed, in-memory table. It exists
// for tests and for deployments that assign tiers by static configuration
// rather than a live subscription service.
type StaticResolver struct {
	tiers map[string]uint8
}

// NewStaticResolver creates a StaticResolver from a fixed address->tier
// table.
func NewStaticResolver(tiers map[string]uint8) *StaticResolver {
	t := make(map[string]uint8, len(tiers))
	for addr, tier := range tiers {
		t[addr] = tier
	}
	return &StaticResolver{tiers: t}
}

// Tier implements Resolver.
func (s *StaticResolver) Tier(_ context.Context, userAddress string) (uint8, bool) {
	tier, ok := s.tiers[userAddress]
	return tier, ok
}
