// Package forward implements the forwarding engine (C8): the hot path that
// routes, admits, and proxies every accepted request, including the
// WebSocket/SSE upgrade handoff (§4.8).
package forward

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/edgeproxy/edgeproxy/internal/admission"
	"github.com/edgeproxy/edgeproxy/internal/backend"
	"github.com/edgeproxy/edgeproxy/internal/configstore"
	"github.com/edgeproxy/edgeproxy/internal/retry"
	"github.com/edgeproxy/edgeproxy/internal/telemetry"
)

// Engine is the forwarding engine. It holds no mutable state of its own —
// every decision reads from the ConfigBundle snapshotted once per request.
type Engine struct {
	store   *configstore.Store
	client  *http.Client
	metrics *telemetry.Metrics
	clock   func() time.Time
}

// Options configures an Engine.
type Options struct {
	RequestTimeout time.Duration
	Metrics        *telemetry.Metrics
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{RequestTimeout: 30 * time.Second}
}

// New creates an Engine bound to a Store.
func New(store *configstore.Store, opts Options) *Engine {
	return &Engine{
		store: store,
		client: &http.Client{
			Timeout: opts.RequestTimeout,
		},
		metrics: opts.Metrics,
		clock:   time.Now,
	}
}

func generateRequestID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// isValidRequestID reports whether a client-supplied request ID parses as a
// 128-bit identifier (32 hex characters).
func isValidRequestID(id string) bool {
	if len(id) != 32 {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}

// ServeHTTP implements the §4.7 ForwardingEngine contract.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := e.clock()

	requestID := r.Header.Get("X-Request-Id")
	if !isValidRequestID(requestID) {
		requestID = generateRequestID()
	}
	w.Header().Set("X-Request-Id", requestID)

	// Snapshot: every subsequent decision reads from this Bundle alone.
	bundle := e.store.Load()

	if bundle.MaxRequestBody > 0 && r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, bundle.MaxRequestBody)
	}

	route := bundle.Routes.Match(r)
	if route == nil {
		e.record(bundle, "none", "none", http.StatusNotFound, start)
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	clientIP := clientIPOf(r)
	userAddress := r.Header.Get("X-User-Address")
	tier, denial := e.admit(bundle, r, clientIP, userAddress, isUpgradeRequest(r))
	if denial != admission.DenialNone {
		status := statusForDenial(denial)
		e.recordDenial(bundle, denial)
		e.record(bundle, route.BackendGroup, "none", status, start)
		http.Error(w, string(denial), status)
		return
	}

	if isUpgradeRequest(r) {
		e.serveUpgrade(w, r, bundle, route.BackendGroup, userAddress, requestID)
		return
	}

	e.serveHTTP(w, r, bundle, route.BackendGroup, userAddress, tier, requestID, start)
}

func statusForDenial(reason admission.DenialReason) int {
	switch reason {
	case admission.DenialMissingUser, admission.DenialMalformedUser:
		return http.StatusUnauthorized
	case admission.DenialExpired, admission.DenialGeoBlocked:
		return http.StatusForbidden
	case admission.DenialRateLimited, admission.DenialQosLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusForbidden
	}
}

func (e *Engine) admit(bundle *configstore.Bundle, r *http.Request, clientIP, userAddress string, longLived bool) (uint8, admission.DenialReason) {
	var tier uint8
	key := clientIP
	if userAddress != "" {
		key = userAddress
	}

	if bundle.Subscriptions != nil {
		if userAddress == "" {
			return 0, admission.DenialMissingUser
		}
		if !admission.ValidAddress(userAddress) {
			return 0, admission.DenialMalformedUser
		}
		info, ok := bundle.Subscriptions.Get(userAddress)
		if !ok || !info.IsActiveWithGrace(e.clock(), bundle.SubscriptionGracePeriod) {
			return 0, admission.DenialExpired
		}
		tier = info.TierID
	}

	if bundle.Admission == nil {
		return tier, admission.DenialNone
	}
	if longLived {
		return tier, bundle.Admission.AdmitLongLived(key, clientIP, userAddress, tier)
	}
	return tier, bundle.Admission.AdmitRequest(key, clientIP, tier)
}

func isUpgradeRequest(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Connection"), "upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func isSSEResponse(resp *http.Response) bool {
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
}

// serveHTTP runs the non-upgrade attempt loop (§4.7).
func (e *Engine) serveHTTP(w http.ResponseWriter, r *http.Request, bundle *configstore.Bundle, group, userAddress string, tier uint8, requestID string, start time.Time) {
	maxAttempts := bundle.RetryConfig.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	retryEligible := maxAttempts > 1 && retry.EligibleMethod(r.Method)

	var bodyBuf []byte
	if r.Body != nil && r.Body != http.NoBody {
		data, err := io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				e.record(bundle, group, "none", http.StatusRequestEntityTooLarge, start)
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			e.record(bundle, group, "none", http.StatusBadRequest, start)
			http.Error(w, "error reading request body", http.StatusBadRequest)
			return
		}
		bodyBuf = data
	}
	if bundle.RetryBudget != nil {
		bundle.RetryBudget.RecordRequest()
	}

	clientIP := clientIPOf(r)
	healthyThreshold, unhealthyThreshold := bundle.HealthyThreshold, bundle.UnhealthyThreshold

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		b, guard := bundle.Pool.Select(group)
		if b == nil {
			e.record(bundle, group, "none", http.StatusServiceUnavailable, start)
			http.Error(w, "no backend available", http.StatusServiceUnavailable)
			return
		}

		outReq, err := e.buildOutboundRequest(r, b, bodyBuf, attempt, clientIP, requestID)
		if err != nil {
			guard.Release()
			e.record(bundle, group, b.Addr, http.StatusBadGateway, start)
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}

		resp, err := e.client.Do(outReq)
		if err != nil {
			guard.Release()
			if retryEligible && attempt < maxAttempts && retry.Retryable(true, 0, false) && e.canRetry(bundle) {
				time.Sleep(e.backoff(bundle, attempt))
				continue
			}
			b.MarkFailure(unhealthyThreshold)
			e.record(bundle, group, b.Addr, http.StatusBadGateway, start)
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}

		sse := isSSEResponse(resp)
		if retryEligible && attempt < maxAttempts && retry.Retryable(false, resp.StatusCode, sse) && e.canRetry(bundle) {
			resp.Body.Close()
			guard.Release()
			time.Sleep(e.backoff(bundle, attempt))
			continue
		}

		if resp.StatusCode >= 502 && resp.StatusCode <= 504 {
			b.MarkFailure(unhealthyThreshold)
		} else {
			b.MarkSuccess(healthyThreshold)
		}

		release := guard.Release
		if sse && bundle.Admission != nil && userAddress != "" {
			if !bundle.Admission.Qos.TryOpen(userAddress, tier) {
				resp.Body.Close()
				guard.Release()
				e.recordDenial(bundle, admission.DenialQosLimited)
				e.record(bundle, group, b.Addr, http.StatusTooManyRequests, start)
				http.Error(w, string(admission.DenialQosLimited), http.StatusTooManyRequests)
				return
			}
			e.reportLongLived(bundle, userAddress)
			release = func() {
				guard.Release()
				bundle.Admission.Qos.Close(userAddress)
				e.reportLongLived(bundle, userAddress)
			}
		}

		body := io.ReadCloser(resp.Body)
		body = &releaseOnClose{ReadCloser: body, release: release}

		copyResponseHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		if r.Method != http.MethodHead {
			_, _ = io.Copy(w, body)
		}
		body.Close()

		e.record(bundle, group, b.Addr, resp.StatusCode, start)
		return
	}
}

// releaseOnClose wraps a response body so the backend connection guard is
// released exactly once, when the client finishes reading it.
type releaseOnClose struct {
	io.ReadCloser
	release func()
	done    bool
}

func (r *releaseOnClose) Close() error {
	err := r.ReadCloser.Close()
	if !r.done {
		r.done = true
		r.release()
	}
	return err
}

func (e *Engine) canRetry(bundle *configstore.Bundle) bool {
	if bundle.RetryBudget == nil {
		return true
	}
	return bundle.RetryBudget.CanRetry()
}

func (e *Engine) backoff(bundle *configstore.Bundle, attempt int) time.Duration {
	base := time.Duration(bundle.RetryConfig.BaseBackoff)
	max := time.Duration(bundle.RetryConfig.MaxBackoff)
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	if max <= 0 {
		max = 2 * time.Second
	}
	return retry.Backoff(attempt, base, max)
}

func (e *Engine) buildOutboundRequest(r *http.Request, b *backend.Backend, bodyBuf []byte, attempt int, clientIP, requestID string) (*http.Request, error) {
	uri := b.BaseURL.Scheme + "://" + b.BaseURL.Host + r.URL.Path
	if r.URL.RawQuery != "" {
		uri += "?" + r.URL.RawQuery
	}

	var bodyReader io.Reader
	switch {
	case bodyBuf != nil:
		bodyReader = bytes.NewReader(bodyBuf)
	case attempt == 1 && r.Body != nil:
		bodyReader = r.Body
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, uri, bodyReader)
	if err != nil {
		return nil, err
	}
	outReq.Header = r.Header.Clone()
	outReq.Header.Set("X-Request-Id", requestID)

	if prior := outReq.Header.Get("X-Forwarded-For"); prior != "" {
		outReq.Header.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		outReq.Header.Set("X-Forwarded-For", clientIP)
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	outReq.Header.Set("X-Forwarded-Proto", scheme)
	outReq.Header.Set("X-Forwarded-Host", r.Host)

	return outReq, nil
}

func copyResponseHeaders(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func clientIPOf(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (e *Engine) record(bundle *configstore.Bundle, route, backendAddr string, status int, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordRequest(route, backendAddr, status, e.clock().Sub(start))
}

// reportLongLived publishes the current long-lived connection count for a
// user after an open or close, so the gauge tracks admission.Qos exactly.
func (e *Engine) reportLongLived(bundle *configstore.Bundle, userAddress string) {
	if e.metrics == nil || bundle.Admission == nil {
		return
	}
	e.metrics.SetLongLivedConnections(userAddress, bundle.Admission.Qos.Count(userAddress))
}

func (e *Engine) recordDenial(bundle *configstore.Bundle, reason admission.DenialReason) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordAdmissionDenial(string(reason))
}
