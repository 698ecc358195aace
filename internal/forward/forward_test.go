package forward

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/edgeproxy/edgeproxy/internal/admission"
	"github.com/edgeproxy/edgeproxy/internal/backend"
	"github.com/edgeproxy/edgeproxy/internal/configstore"
	"github.com/edgeproxy/edgeproxy/internal/retry"
	"github.com/edgeproxy/edgeproxy/internal/routetable"
	"github.com/edgeproxy/edgeproxy/internal/subscription"
)

func testBundle(t *testing.T, backends ...*backend.Backend) *configstore.Bundle {
	t.Helper()
	routes := routetable.Compile([]routetable.RouteSpec{
		{Name: "api", BackendGroup: "g1"},
	})
	group := backend.NewGroup("g1", backend.RoundRobin, backends)
	pool := backend.NewPool(map[string]*backend.Group{"g1": group})
	return &configstore.Bundle{
		Routes:      routes,
		Pool:        pool,
		RetryBudget: retry.NewBudget(retry.BudgetConfig{BufferRatio: 1, MinRequests: 0}),
		RetryConfig: configstore.RetryTuning{MaxAttempts: 1, BaseBackoff: int64(time.Millisecond), MaxBackoff: int64(10 * time.Millisecond)},
	}
}

func mustBackendFor(t *testing.T, srv *httptest.Server) *backend.Backend {
	t.Helper()
	b, err := backend.New(srv.URL, srv.URL, backend.DefaultOptions())
	if err != nil {
		t.Fatalf("backend.New: %v", err)
	}
	return b
}

func TestServeHTTPProxiesToBackend(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	bundle := testBundle(t, mustBackendFor(t, upstream))
	store := configstore.NewStore(bundle)
	engine := New(store, DefaultOptions())

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "hello" {
		t.Fatalf("expected proxied body, got %q", rec.Body.String())
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected a generated X-Request-Id")
	}
}

func TestServeHTTPReturns404WhenNoRouteMatches(t *testing.T) {
	routes := routetable.Compile([]routetable.RouteSpec{
		{Name: "api", Host: "api.example.com", BackendGroup: "g1"},
	})
	bundle := &configstore.Bundle{
		Routes:      routes,
		Pool:        backend.NewPool(map[string]*backend.Group{}),
		RetryConfig: configstore.RetryTuning{MaxAttempts: 1},
	}
	store := configstore.NewStore(bundle)
	engine := New(store, DefaultOptions())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "other.example.com"
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestServeHTTPReturns503WhenPoolEmpty(t *testing.T) {
	routes := routetable.Compile([]routetable.RouteSpec{{Name: "api", BackendGroup: "g1"}})
	pool := backend.NewPool(map[string]*backend.Group{"g1": backend.NewGroup("g1", backend.RoundRobin, nil)})
	bundle := &configstore.Bundle{Routes: routes, Pool: pool, RetryConfig: configstore.RetryTuning{MaxAttempts: 1}}
	store := configstore.NewStore(bundle)
	engine := New(store, DefaultOptions())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestServeHTTPRetriesOnRetryableStatus(t *testing.T) {
	attempts := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	bundle := testBundle(t, mustBackendFor(t, upstream))
	bundle.RetryConfig.MaxAttempts = 2
	store := configstore.NewStore(bundle)
	engine := New(store, DefaultOptions())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected eventual 200 after retry, got %d", rec.Code)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestServeHTTPDoesNotRetryNonIdempotentMethod(t *testing.T) {
	attempts := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer upstream.Close()

	bundle := testBundle(t, mustBackendFor(t, upstream))
	bundle.RetryConfig.MaxAttempts = 3
	store := configstore.NewStore(bundle)
	engine := New(store, DefaultOptions())

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString("body"))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if attempts != 1 {
		t.Fatalf("expected no retry for POST, got %d attempts", attempts)
	}
}

func TestIsValidRequestIDRejectsClientSuppliedGarbage(t *testing.T) {
	if isValidRequestID("not-a-hex-id") {
		t.Fatal("expected invalid ID to be rejected")
	}
	if !isValidRequestID("0123456789abcdef0123456789abcdef") {
		t.Fatal("expected a well-formed 32-hex-char ID to be accepted")
	}
}

func TestClientIPOfPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	req.RemoteAddr = "192.168.1.1:5555"

	if ip := clientIPOf(req); ip != "203.0.113.5" {
		t.Fatalf("expected first hop of X-Forwarded-For, got %q", ip)
	}
}

func TestServeHTTPReturns413WhenBodyExceedsMaxRequestBody(t *testing.T) {
	called := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	bundle := testBundle(t, mustBackendFor(t, upstream))
	bundle.MaxRequestBody = 4
	store := configstore.NewStore(bundle)
	engine := New(store, DefaultOptions())

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString("this body is way too long"))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if called {
		t.Fatal("expected the backend never to be reached for an oversized body")
	}
}

func TestServeHTTPAppliesConfiguredHealthThresholds(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer upstream.Close()

	b := mustBackendFor(t, upstream)
	bundle := testBundle(t, b)
	bundle.UnhealthyThreshold = 2
	store := configstore.NewStore(bundle)
	engine := New(store, DefaultOptions())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	engine.ServeHTTP(httptest.NewRecorder(), req)
	if b.State() == backend.Unhealthy {
		t.Fatal("expected backend to remain non-unhealthy after a single failure under threshold 2")
	}

	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	engine.ServeHTTP(httptest.NewRecorder(), req2)
	if b.State() != backend.Unhealthy {
		t.Fatal("expected backend to become unhealthy after reaching the configured threshold")
	}
}

func TestAdmitHonorsConfiguredSubscriptionGracePeriod(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	bundle := testBundle(t, mustBackendFor(t, upstream))
	bundle.SubscriptionGracePeriod = 3600
	bundle.Subscriptions = subscription.New("")
	addr := "0x000102030405060708090a0b0c0d0e0f10111213"
	bundle.Subscriptions.Update(addr, 1, time.Now().Unix()-60) // expired 60s ago, inside grace

	store := configstore.NewStore(bundle)
	engine := New(store, DefaultOptions())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-Address", addr)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected grace period to admit a recently-expired subscription, got %d", rec.Code)
	}
}

func TestAdmitRejectsMalformedUserAddress(t *testing.T) {
	bundle := testBundle(t)
	bundle.Subscriptions = subscription.New("")
	store := configstore.NewStore(bundle)
	engine := New(store, DefaultOptions())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-Address", "not-an-address")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for malformed user address, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), string(admission.DenialMalformedUser)) {
		t.Fatalf("expected malformed_user denial reason in body, got %q", rec.Body.String())
	}
}

func TestServeHTTPOpensAndClosesSSELongLivedQuota(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("data: hi\n\n"))
	}))
	defer upstream.Close()

	bundle := testBundle(t, mustBackendFor(t, upstream))
	bundle.Admission = admission.New(admission.DefaultRateLimitConfig(), admission.QosConfig{TierMaxConns: map[uint8]int{0: 1}}, nil)
	store := configstore.NewStore(bundle)
	engine := New(store, DefaultOptions())

	addr := "0x000102030405060708090a0b0c0d0e0f10111213"
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-Address", addr)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admitted SSE stream, got %d", rec.Code)
	}
	if got := bundle.Admission.Qos.Count(addr); got != 0 {
		t.Fatalf("expected the long-lived slot to be released once the response finished streaming, got count %d", got)
	}
}

func TestServeHTTPRejectsSSEWhenLongLivedQuotaExhausted(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("data: hi\n\n"))
	}))
	defer upstream.Close()

	bundle := testBundle(t, mustBackendFor(t, upstream))
	bundle.Admission = admission.New(admission.DefaultRateLimitConfig(), admission.QosConfig{TierMaxConns: map[uint8]int{0: 1}}, nil)
	store := configstore.NewStore(bundle)
	engine := New(store, DefaultOptions())

	addr := "0x000102030405060708090a0b0c0d0e0f10111213"
	bundle.Admission.Qos.TryOpen(addr, 0) // pre-occupy the single slot

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-Address", addr)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 when the long-lived quota is exhausted, got %d", rec.Code)
	}
}

func TestIsUpgradeRequestDetectsWebsocket(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	if !isUpgradeRequest(req) {
		t.Fatal("expected upgrade request to be detected")
	}

	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	if isUpgradeRequest(req2) {
		t.Fatal("expected plain request not to be treated as upgrade")
	}
}
