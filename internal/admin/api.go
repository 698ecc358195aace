package admin

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// API serves the operator-facing surface: an unauthenticated liveness probe
// and a bearer/CIDR-gated Prometheus exposition endpoint. All other metrics
// and status reporting live behind /metrics now that Prometheus owns that
// surface; the API no longer aggregates pool state itself.
type API struct {
	addr      string
	server    *http.Server
	startTime time.Time
	version   string

	authToken   string
	allowedNets []*net.IPNet

	ready atomic.Bool
}

// Config configures the Admin API.
type Config struct {
	Addr       string
	Registry   *prometheus.Registry
	Version    string
	AuthToken  string   // Bearer token required on protected endpoints, if set.
	AllowedIPs []string // CIDRs (or bare IPs) allowed to reach protected endpoints, if set.
}

// New builds an Admin API bound to the given registry.
func New(cfg Config) *API {
	api := &API{
		addr:      cfg.Addr,
		startTime: time.Now(),
		version:   cfg.Version,
		authToken: cfg.AuthToken,
	}
	api.ready.Store(true)

	for _, cidr := range cfg.AllowedIPs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			if ip := net.ParseIP(cidr); ip != nil {
				bits := 32
				if ip.To4() == nil {
					bits = 128
				}
				network = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
			}
		}
		if network != nil {
			api.allowedNets = append(api.allowedNets, network)
		}
	}

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", api.handleHealthz)
	mux.Handle("/metrics", api.requireAuth(promhttp.HandlerFor(registry, promhttp.HandlerOpts{}).ServeHTTP))

	api.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return api
}

// requireAuth wraps a handler with the bearer-token and CIDR-allowlist gate.
func (a *API) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(a.allowedNets) > 0 {
			clientIP := extractIP(r.RemoteAddr)
			allowed := false
			if clientIP != nil {
				for _, network := range a.allowedNets {
					if network.Contains(clientIP) {
						allowed = true
						break
					}
				}
			}
			if !allowed {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}

		if a.authToken != "" {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if strings.TrimPrefix(auth, "Bearer ") != a.authToken {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}

		next(w, r)
	}
}

func extractIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return net.ParseIP(host)
}

// SetReady flips the liveness probe's reported state, for use during
// graceful shutdown draining.
func (a *API) SetReady(ready bool) {
	a.ready.Store(ready)
}

// Start launches the Admin API server in the background.
func (a *API) Start() error {
	go func() {
		_ = a.server.ListenAndServe()
	}()
	return nil
}

// Stop gracefully shuts down the Admin API server.
func (a *API) Stop(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

type healthzResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
	GoVersion string `json:"go_version"`
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := "ok"
	code := http.StatusOK
	if !a.ready.Load() {
		status = "draining"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(healthzResponse{
		Status:    status,
		Version:   a.version,
		Uptime:    time.Since(a.startTime).Round(time.Second).String(),
		GoVersion: runtime.Version(),
	})
}
