package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/edgeproxy/edgeproxy/internal/admin"
	"github.com/edgeproxy/edgeproxy/internal/config"
	"github.com/edgeproxy/edgeproxy/internal/configstore"
	"github.com/edgeproxy/edgeproxy/internal/forward"
	"github.com/edgeproxy/edgeproxy/internal/health"
	"github.com/edgeproxy/edgeproxy/internal/lifecycle"
	"github.com/edgeproxy/edgeproxy/internal/logging"
	"github.com/edgeproxy/edgeproxy/internal/server"
	"github.com/edgeproxy/edgeproxy/internal/telemetry"
)

var (
	version = "dev"
	commit  = "none"
)

const defaultShutdownTimeout = 10 * time.Second

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "edgeproxy",
		Short: "edgeproxy is a reverse HTTP proxy with tiered admission and hot-reloadable routing",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to configuration file")

	root.AddCommand(serveCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the build version and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("edgeproxy %s (commit %s)\n", version, commit)
			return nil
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "load and validate the configuration file, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if _, err := config.Build(cfg, nil); err != nil {
				return fmt.Errorf("building bundle from config: %w", err)
			}
			fmt.Println("configuration is valid")
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Close()

	logger.Info("edgeproxy starting", map[string]interface{}{
		"version": version,
		"listen":  cfg.Listen,
	})

	bundle, err := config.Build(cfg, nil)
	if err != nil {
		return fmt.Errorf("building initial bundle: %w", err)
	}
	store := configstore.NewStore(bundle)

	registry := prometheus.NewRegistry()
	metrics := telemetry.New(registry)

	lm := lifecycle.New()

	healthMonitor := health.New(bundle.Pool.AllBackends(), healthConfigFrom(cfg))
	healthMonitor.SetMetrics(metrics)
	healthMonitor.Start(lm.Context())
	defer healthMonitor.Stop()

	srvCfg := server.Config{Addr: cfg.Listen, Handler: buildHandler(store, metrics, cfg.SecurityHeaders)}
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		tlsConfig, err := server.LoadTLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return fmt.Errorf("loading TLS config: %w", err)
		}
		srvCfg.TLSConfig = tlsConfig
	}
	srv := server.New(srvCfg)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	logger.Info("listening", map[string]interface{}{"addr": srv.Addr()})

	var adminAPI *admin.API
	if cfg.Admin.Addr != "" {
		adminAPI = admin.New(admin.Config{
			Addr:       cfg.Admin.Addr,
			Registry:   registry,
			Version:    version,
			AuthToken:  cfg.Admin.Token,
			AllowedIPs: cfg.Admin.AllowedIPs,
		})
		if err := adminAPI.Start(); err != nil {
			logger.Error("failed to start admin API", map[string]interface{}{"error": err.Error()})
		} else {
			logger.Info("admin API started", map[string]interface{}{"addr": cfg.Admin.Addr})
		}
	}

	watchDone := lm.Track()
	go func() {
		defer watchDone()
		src, err := config.NewFileChangeSource(configPath, store.Load)
		if err != nil {
			logger.Warn("config file watch disabled", map[string]interface{}{"error": err.Error()})
			return
		}
		defer src.Close()
		store.Watch(lm.Context(), src, func(err error) {
			logger.Error("config reload failed, keeping prior configuration", map[string]interface{}{"error": err.Error()})
		})
	}()

	reloadDone := lm.Track()
	go runSignalReload(lm, store, logger, configPath, reloadDone)

	logger.Info("edgeproxy started, press Ctrl+C to stop", nil)
	lm.RunUntilSignal()

	logger.Info("shutting down", nil)
	if adminAPI != nil {
		adminAPI.SetReady(false)
	}

	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("error during server shutdown", map[string]interface{}{"error": err.Error()})
	}
	if adminAPI != nil {
		adminShutdownCtx, adminCancel := context.WithTimeout(context.Background(), 5*time.Second)
		adminAPI.Stop(adminShutdownCtx)
		adminCancel()
	}

	if !lm.Shutdown(shutdownTimeout) {
		logger.Warn("shutdown deadline exceeded with background work still running", nil)
	}

	logger.Info("shutdown complete", nil)
	return nil
}

func runSignalReload(lm *lifecycle.Manager, store *configstore.Store, logger *logging.Logger, configPath string, done func()) {
	defer done()
	for {
		select {
		case <-lm.Context().Done():
			return
		case <-lm.ReloadSignal():
			newCfg, err := config.Load(configPath)
			if err != nil {
				logger.Error("SIGHUP reload failed", map[string]interface{}{"error": err.Error()})
				continue
			}
			newBundle, err := config.Build(newCfg, store.Load())
			if err != nil {
				logger.Error("SIGHUP reload failed", map[string]interface{}{"error": err.Error()})
				continue
			}
			store.Store(newBundle)
			logger.Info("configuration reloaded via SIGHUP", nil)
		}
	}
}

func buildHandler(store *configstore.Store, metrics *telemetry.Metrics, securityHeaders bool) http.Handler {
	opts := forward.DefaultOptions()
	opts.Metrics = metrics
	engine := forward.New(store, opts)
	var handler http.Handler = engine
	if securityHeaders {
		handler = withSecurityHeaders(handler)
	}
	return handler
}

func healthConfigFrom(cfg *config.Config) health.Config {
	hc := health.DefaultConfig()
	if cfg.HealthCheck.Interval > 0 {
		hc.Interval = cfg.HealthCheck.Interval
	}
	if cfg.HealthCheck.Timeout > 0 {
		hc.Timeout = cfg.HealthCheck.Timeout
	}
	if cfg.HealthCheck.HealthyThreshold > 0 {
		hc.HealthyThreshold = cfg.HealthCheck.HealthyThreshold
	}
	if cfg.HealthCheck.UnhealthyThreshold > 0 {
		hc.UnhealthyThreshold = cfg.HealthCheck.UnhealthyThreshold
	}
	return hc
}

func withSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains; preload")
		w.Header().Set("Content-Security-Policy", "default-src 'self'; frame-ancestors 'none';")
		next.ServeHTTP(w, r)
	})
}
