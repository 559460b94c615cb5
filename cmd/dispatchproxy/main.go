// Command dispatchproxy runs the multi-region request dispatch engine:
// it loads the backend configuration, wires the registry, health
// tracker, selector, forwarder, cache, and dispatcher together, and
// serves client traffic with graceful shutdown.
package main

import (
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/regionfront/dispatchproxy/internal/cache"
	"github.com/regionfront/dispatchproxy/internal/config"
	"github.com/regionfront/dispatchproxy/internal/dispatcher"
	"github.com/regionfront/dispatchproxy/internal/forwarder"
	"github.com/regionfront/dispatchproxy/internal/health"
	"github.com/regionfront/dispatchproxy/internal/httpapi"
	"github.com/regionfront/dispatchproxy/internal/middleware"
	"github.com/regionfront/dispatchproxy/internal/observe"
	"github.com/regionfront/dispatchproxy/internal/ratelimit"
	"github.com/regionfront/dispatchproxy/internal/registry"
	"github.com/regionfront/dispatchproxy/internal/selector"
	"github.com/regionfront/dispatchproxy/internal/server"
)

func main() {
	configPath := os.Getenv("DISPATCHPROXY_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	reloader, err := config.NewReloader(configPath, 30*time.Second, zap.NewNop())
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	reloader.Start()
	cfg := reloader.Current()

	logger, err := observe.NewLogger(cfg.IsDevelopment())
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	reg := registry.New(registry.Config{
		Backends:                toRegistryBackends(cfg.Backends),
		CircuitBreakerThreshold: uint32(cfg.CircuitBreakerThreshold),
		HealthCheckInterval:     cfg.HealthCheckInterval(),
	})

	tracker := health.New(reg, cfg.HealthCheckInterval(), 5*time.Second, logger)
	reg.SetProber(tracker)
	tracker.Start()

	stopReconcile := watchConfigChanges(reloader, reg, cfg, logger)

	respCache := cache.New(cfg.EnableCaching, cfg.CacheMaxAge())

	promReg := prometheus.NewRegistry()
	metrics := observe.NewMetrics(promReg)

	d := dispatcher.New(dispatcher.Config{
		Registry:      reg,
		Selector:      selector.New(),
		Forwarder:     forwarder.New(nil, cfg.RetryAttempts),
		Cache:         respCache,
		Metrics:       dispatcher.Wire(metrics),
		Logger:        logger,
		EnableCaching: cfg.EnableCaching,
	})

	api := httpapi.New(httpapi.Config{
		Dispatcher:    d,
		Registry:      reg,
		Logger:        logger,
		IsDevelopment: cfg.IsDevelopment(),
	})

	limiter := middleware.NewDefaultLimiter()
	handler := middleware.Chain(
		middleware.Tracing(),
		middleware.Logging(logger),
		middleware.RateLimit(limiter),
	)(api)

	// /metrics/prometheus is the ambient Prometheus scrape endpoint,
	// distinct from the spec's own development-only JSON /metrics
	// endpoint served by api's dispatch-time routing.
	mux := http.NewServeMux()
	mux.Handle("/metrics/prometheus", observe.Handler())
	mux.Handle("/", handler)

	srv := server.New(server.Config{
		Addr:         listenAddr(),
		Handler:      mux,
		DrainTimeout: 30 * time.Second,
		Logger:       logger,
	})
	srv.RegisterCloser(tracker)
	srv.RegisterCloser(respCache)
	srv.RegisterCloser(reloader)
	srv.RegisterCloser(limiter)
	srv.RegisterCloser(closerFunc(stopReconcile))

	if err := srv.ListenAndServe(); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}

// closerFunc adapts a plain stop function to io.Closer for
// server.RegisterCloser.
type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}

// watchConfigChanges polls the reloader for a new *config.Config and
// propagates backend/threshold changes into the registry via
// Reconfigure, since the reloader only swaps its own snapshot and has
// no notion of the registry it feeds. Returns a stop function for
// graceful shutdown.
func watchConfigChanges(reloader *config.Reloader, reg *registry.Registry, initial *config.Config, logger *zap.Logger) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		last := initial
		for {
			select {
			case <-ticker.C:
				current := reloader.Current()
				if current == last {
					continue
				}
				last = current
				reg.Reconfigure(registry.Config{
					Backends:                toRegistryBackends(current.Backends),
					CircuitBreakerThreshold: uint32(current.CircuitBreakerThreshold),
					HealthCheckInterval:     current.HealthCheckInterval(),
				})
				logger.Info("registry reconfigured from hot reload", zap.Int("backends", len(current.Backends)))
			case <-stop:
				return
			}
		}
	}()
	return func() { close(stop) }
}

func toRegistryBackends(backends []config.BackendConfig) []registry.Backend {
	out := make([]registry.Backend, len(backends))
	for i, b := range backends {
		out[i] = registry.Backend{
			URL:    b.URL,
			Region: strings.ToLower(b.Region),
			Weight: b.Weight,
		}
	}
	return out
}

func listenAddr() string {
	if addr := os.Getenv("DISPATCHPROXY_ADDR"); addr != "" {
		return addr
	}
	return ":9000"
}
