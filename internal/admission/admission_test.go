package admission

import (
	"testing"
	"time"
)

func TestValidAddressAcceptsWellFormedAddress(t *testing.T) {
	if !ValidAddress("0x000102030405060708090a0b0c0d0e0f10111213") {
		t.Fatal("expected a 40-hex-char 0x-prefixed address to validate")
	}
	if !ValidAddress("0xABCDEF0102030405060708090A0B0C0D0E0F1213") {
		t.Fatal("expected uppercase hex digits to validate")
	}
}

func TestValidAddressRejectsMalformedInput(t *testing.T) {
	cases := []string{
		"",
		"0x",
		"not-an-address",
		"0000102030405060708090a0b0c0d0e0f10111213",         // missing 0x
		"0x000102030405060708090a0b0c0d0e0f101112",           // too short
		"0x000102030405060708090a0b0c0d0e0f1011121314",       // too long
		"0xg00102030405060708090a0b0c0d0e0f10111213",         // non-hex char
	}
	for _, c := range cases {
		if ValidAddress(c) {
			t.Fatalf("expected %q to be rejected", c)
		}
	}
}

func TestRateLimiterAllowsWithinBurst(t *testing.T) {
	cfg := RateLimitConfig{Tiers: map[uint8]TierRate{0: {RequestsPerSecond: 1, BurstMultiplier: 3}}}
	rl := NewRateLimiter(cfg)

	for i := 0; i < 3; i++ {
		if !rl.Acquire("client-1", 0) {
			t.Fatalf("expected request %d to be admitted within burst capacity", i)
		}
	}
	if rl.Acquire("client-1", 0) {
		t.Fatal("expected 4th request to exceed burst capacity of 3")
	}
}

func TestRateLimiterRefillsOverTime(t *testing.T) {
	cfg := RateLimitConfig{Tiers: map[uint8]TierRate{0: {RequestsPerSecond: 100, BurstMultiplier: 1}}}
	rl := NewRateLimiter(cfg)

	if !rl.Acquire("client-1", 0) {
		t.Fatal("expected first request admitted")
	}
	if rl.Acquire("client-1", 0) {
		t.Fatal("expected bucket exhausted immediately after single-token burst")
	}
	time.Sleep(20 * time.Millisecond) // at 100/s, refills back to the single-token cap
	if !rl.Acquire("client-1", 0) {
		t.Fatal("expected refill to admit a subsequent request")
	}
}

func TestRateLimiterIsolatesKeys(t *testing.T) {
	cfg := RateLimitConfig{Tiers: map[uint8]TierRate{0: {RequestsPerSecond: 1, BurstMultiplier: 1}}}
	rl := NewRateLimiter(cfg)

	if !rl.Acquire("a", 0) {
		t.Fatal("expected key a admitted")
	}
	if !rl.Acquire("b", 0) {
		t.Fatal("expected key b admitted independently of key a")
	}
}

func TestRateLimiterUnknownTierFallsBackToDefault(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	rl := NewRateLimiter(cfg)
	// Tier 9 doesn't exist; should fall back to tier 0's rate, not panic.
	if !rl.Acquire("client-1", 9) {
		t.Fatal("expected fallback tier admission to succeed")
	}
}

func TestConnectionTrackerEnforcesLimit(t *testing.T) {
	cfg := QosConfig{TierMaxConns: map[uint8]int{1: 2}}
	ct := NewConnectionTracker(cfg)

	if !ct.TryOpen("0xabc", 1) || !ct.TryOpen("0xabc", 1) {
		t.Fatal("expected first two opens to succeed under limit 2")
	}
	if ct.TryOpen("0xabc", 1) {
		t.Fatal("expected third open to be denied at limit")
	}
	ct.Close("0xabc")
	if !ct.TryOpen("0xabc", 1) {
		t.Fatal("expected open to succeed again after a close frees a slot")
	}
}

func TestConnectionTrackerCloseFloorsAtZero(t *testing.T) {
	ct := NewConnectionTracker(DefaultQosConfig())
	ct.Close("never-opened") // must not panic or go negative
	if got := ct.Count("never-opened"); got != 0 {
		t.Fatalf("expected count 0, got %d", got)
	}
}

func TestLayerAdmitRequestRateLimits(t *testing.T) {
	l := New(
		RateLimitConfig{Tiers: map[uint8]TierRate{0: {RequestsPerSecond: 1, BurstMultiplier: 1}}},
		DefaultQosConfig(),
		nil,
	)
	if reason := l.AdmitRequest("k", "1.2.3.4", 0); reason != DenialNone {
		t.Fatalf("expected first request admitted, got %v", reason)
	}
	if reason := l.AdmitRequest("k", "1.2.3.4", 0); reason != DenialRateLimited {
		t.Fatalf("expected second request rate-limited, got %v", reason)
	}
}

func TestLayerAdmitLongLivedEnforcesQosAfterRateLimit(t *testing.T) {
	l := New(
		DefaultRateLimitConfig(),
		QosConfig{TierMaxConns: map[uint8]int{1: 1}},
		nil,
	)
	if reason := l.AdmitLongLived("0xabc", "1.2.3.4", "0xabc", 1); reason != DenialNone {
		t.Fatalf("expected first long-lived admission to succeed, got %v", reason)
	}
	if reason := l.AdmitLongLived("0xabc", "1.2.3.4", "0xabc", 1); reason != DenialQosLimited {
		t.Fatalf("expected second long-lived admission denied by qos, got %v", reason)
	}
}
