// Package retry implements the retry budget and jittered backoff (C5): a
// rolling ceiling on the ratio of retried attempts to total requests, plus
// the backoff delay calculation for retried attempts.
package retry

import (
	"math/rand"
	"sync/atomic"
	"time"
)

// BudgetConfig configures a Budget.
type BudgetConfig struct {
	BufferRatio float64 // retries permitted as a fraction of total requests
	MinRequests uint64  // floor below which retries are always permitted
}

// DefaultBudgetConfig returns sensible defaults.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{BufferRatio: 0.2, MinRequests: 10}
}

// Budget tracks the rolling retry-to-request ratio across the process
// lifetime. Counters are monotonic and are not reset across config reloads
// — the budget is a rolling safety margin, not a per-window quota (see
// DESIGN.md Open Question 1).
type Budget struct {
	cfg           atomic.Pointer[BudgetConfig]
	totalRequests uint64 // atomic
	totalRetries  uint64 // atomic
}

// NewBudget creates a Budget.
func NewBudget(cfg BudgetConfig) *Budget {
	b := &Budget{}
	b.cfg.Store(&cfg)
	return b
}

// Reconfigure updates the gating thresholds in place, leaving the rolling
// counters untouched. Used when a config reload changes budget_ratio or
// min_requests but the Budget itself is carried forward across the reload.
func (b *Budget) Reconfigure(cfg BudgetConfig) {
	b.cfg.Store(&cfg)
}

// RecordRequest increments the denominator. Called exactly once per inbound
// request, never once per attempt.
func (b *Budget) RecordRequest() {
	atomic.AddUint64(&b.totalRequests, 1)
}

// CanRetry reports whether a retry is permitted and, if so, increments the
// numerator. A retry is permitted when the floor hasn't been exceeded yet,
// or when total_retries/total_requests stays under buffer_ratio.
func (b *Budget) CanRetry() bool {
	cfg := b.cfg.Load()
	total := atomic.LoadUint64(&b.totalRequests)
	if total < cfg.MinRequests {
		atomic.AddUint64(&b.totalRetries, 1)
		return true
	}
	retries := atomic.LoadUint64(&b.totalRetries)
	if float64(retries)/float64(total) < cfg.BufferRatio {
		atomic.AddUint64(&b.totalRetries, 1)
		return true
	}
	return false
}

// Stats returns the current counters, for admin/observability.
func (b *Budget) Stats() (totalRequests, totalRetries uint64) {
	return atomic.LoadUint64(&b.totalRequests), atomic.LoadUint64(&b.totalRetries)
}

// Backoff returns the jittered exponential backoff delay for the given
// attempt number (1-indexed): min(base*2^(attempt-1), max) plus jitter
// uniformly drawn from [0, delay/10].
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > max {
			delay = max
			break
		}
	}
	if delay > max {
		delay = max
	}
	jitterRange := delay / 10
	if jitterRange <= 0 {
		return delay
	}
	jitter := time.Duration(rand.Int63n(int64(jitterRange)))
	return delay + jitter
}

// Retryable classifies an attempt outcome. isTransportError means the
// connection attempt itself failed (dial/timeout/reset); status is the
// response status if a response was received. isSSE disables retries once
// the first byte of a streaming event-stream response has been seen.
func Retryable(isTransportError bool, status int, isSSE bool) bool {
	if isSSE {
		return false
	}
	if isTransportError {
		return true
	}
	switch status {
	case 502, 503, 504:
		return true
	default:
		return false
	}
}

// EligibleMethod reports whether a request method is idempotent and
// therefore eligible for buffering-and-retry.
func EligibleMethod(method string) bool {
	switch method {
	case "GET", "HEAD", "OPTIONS", "PUT", "DELETE":
		return true
	default:
		return false
	}
}
