// Package health implements the active health monitor (C4): a background
// prober that periodically issues a GET against each backend's health path
// and feeds the result into the backend's 3-state health machine.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/edgeproxy/edgeproxy/internal/backend"
	"github.com/edgeproxy/edgeproxy/internal/telemetry"
)

// Config configures the monitor.
type Config struct {
	Interval           time.Duration
	Timeout            time.Duration
	HealthyThreshold   uint32 // consecutive successes to become Healthy
	UnhealthyThreshold uint32 // consecutive failures to become Unhealthy
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:           10 * time.Second,
		Timeout:            5 * time.Second,
		HealthyThreshold:   2,
		UnhealthyThreshold: 3,
	}
}

// Monitor periodically probes a set of backends.
type Monitor struct {
	backends []*backend.Backend
	cfg      Config
	client   *http.Client
	metrics  *telemetry.Metrics

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// SetMetrics attaches a Metrics sink so every probe publishes the backend's
// resulting health state to the edgeproxy_backend_health gauge. Optional;
// a nil sink (the zero value) leaves probing unaffected.
func (m *Monitor) SetMetrics(metrics *telemetry.Metrics) {
	m.metrics = metrics
}

// New creates a Monitor over the given backends.
func New(backends []*backend.Backend, cfg Config) *Monitor {
	return &Monitor{
		backends: backends,
		cfg:      cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Start begins periodic probing. A no-op if already running.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.mu.Unlock()

	m.probeAll(ctx)

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.probeAll(ctx)
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts probing and waits for the background goroutine to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stop := m.stop
	done := m.done
	m.mu.Unlock()

	close(stop)
	<-done
}

func (m *Monitor) probeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, b := range m.backends {
		wg.Add(1)
		go func(b *backend.Backend) {
			defer wg.Done()
			m.probeOne(ctx, b)
		}(b)
	}
	wg.Wait()
}

func (m *Monitor) probeOne(ctx context.Context, b *backend.Backend) {
	path := b.HealthCheckPath
	if path == "" {
		path = "/"
	}
	url := b.BaseURL.Scheme + "://" + b.BaseURL.Host + path

	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		b.MarkFailure(m.cfg.UnhealthyThreshold)
		m.reportHealth(b)
		return
	}

	resp, err := m.client.Do(req)
	if err != nil {
		b.MarkFailure(m.cfg.UnhealthyThreshold)
		m.reportHealth(b)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		b.MarkSuccess(m.cfg.HealthyThreshold)
	} else {
		b.MarkFailure(m.cfg.UnhealthyThreshold)
	}
	m.reportHealth(b)
}

// reportHealth publishes b's current state to the backend-health gauge,
// translated into the gauge's own ordering (0=unhealthy, 1=unknown,
// 2=healthy) rather than backend.HealthState's zero-value-is-Unknown
// ordering.
func (m *Monitor) reportHealth(b *backend.Backend) {
	if m.metrics == nil {
		return
	}
	var gauge int
	switch b.State() {
	case backend.Healthy:
		gauge = 2
	case backend.Unhealthy:
		gauge = 0
	default:
		gauge = 1
	}
	m.metrics.SetBackendHealth(b.Name, gauge)
}
