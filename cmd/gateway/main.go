// Package main is the entry point for the LLM gateway. It loads configuration,
// assembles the middleware stack around the versioned API, starts the HTTP
// server, and handles graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dskow/llm-gateway/internal/admin"
	"github.com/dskow/llm-gateway/internal/api"
	"github.com/dskow/llm-gateway/internal/auth"
	"github.com/dskow/llm-gateway/internal/config"
	"github.com/dskow/llm-gateway/internal/events"
	"github.com/dskow/llm-gateway/internal/gateway"
	"github.com/dskow/llm-gateway/internal/health"
	"github.com/dskow/llm-gateway/internal/logging"
	"github.com/dskow/llm-gateway/internal/metrics"
	"github.com/dskow/llm-gateway/internal/middleware"
	"github.com/dskow/llm-gateway/internal/ratelimit"
	"github.com/dskow/llm-gateway/internal/tlsutil"
)

// app is the assembled serving surface plus the components that need
// explicit lifecycle management.
type app struct {
	handler  http.Handler
	limiter  *ratelimit.Limiter
	reloader *config.Reloader
}

// close stops the background components. The reloader goes first so no
// reload callback fires into a stopped limiter.
func (a *app) close() {
	a.reloader.Stop()
	a.limiter.Stop()
}

// newApp wires the gateway from a loaded configuration: the versioned API
// behind its middleware stack, with health, metrics, and admin endpoints
// bypassing it. configPath feeds the reloader so file watches and SIGHUP
// re-read the same file the process booted from.
func newApp(configPath string, cfg *config.Config, logger *slog.Logger) (*app, error) {
	// Breaker transitions and call attempts flow to the log and, when
	// enabled, the metrics collectors.
	sinks := []events.Sink{events.NewLogSink(logger)}
	if cfg.Metrics.IsEnabled() {
		sinks = append(sinks, metrics.Recorder{})
	}
	registry := gateway.NewRegistry(events.NewEmitter(sinks...), logger)

	// Build the API handler: one upstream client and breaker per provider
	apiHandler, err := api.New(cfg, registry, logger)
	if err != nil {
		return nil, err
	}
	apiMux := http.NewServeMux()
	apiHandler.RegisterRoutes(apiMux)

	limiter := ratelimit.New(cfg.RateLimit, cfg.Server.TrustedProxies, logger)

	// Auth guards the versioned API; health, metrics, and admin have their
	// own protections.
	routeRequiresAuth := func(path string) bool {
		return strings.HasPrefix(path, "/v1/")
	}

	// Assemble middleware stack:
	// Recovery → RequestID → SecurityHeaders → CORS → Logging → BodyLimit →
	// Tenant → Auth → RateLimit → Deadline → API
	var handler http.Handler = apiMux
	handler = middleware.Deadline(cfg.Server.GlobalTimeout())(handler)
	handler = limiter.Middleware()(handler)
	handler = auth.Middleware(cfg.Auth, routeRequiresAuth, logger)(handler)
	handler = middleware.Tenant(cfg.Tenancy.Header, cfg.Tenancy.Require)(handler)
	handler = middleware.BodyLimit(cfg.Server.MaxBodyBytes)(handler)
	handler = middleware.Logging(logger, cfg.Tenancy.Header)(handler)
	handler = middleware.CORS(middleware.DefaultCORSConfig())(handler)
	handler = middleware.SecurityHeaders()(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	// The reloader serves the admin API's config view and re-applies
	// hot-reloadable settings on change.
	reloader := config.NewReloader(configPath, cfg, logger)
	reloader.OnReload(func(newCfg *config.Config) {
		limiter.UpdateConfig(newCfg.RateLimit)
	})

	// Register health, metrics, and admin on a separate mux that bypasses
	// the API middleware stack
	ops := http.NewServeMux()
	health.New(registry, logger).RegisterRoutes(ops)

	metricsPath := cfg.Metrics.Path
	if cfg.Metrics.IsEnabled() {
		ops.Handle(metricsPath, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", metricsPath)
	}

	if cfg.Admin.Enabled {
		adminHandler := admin.New(reloader, registry, cfg.Admin.IPAllowlist, logger)
		adminHandler.RegisterRoutes(ops)
		reloader.OnReload(func(newCfg *config.Config) {
			adminHandler.UpdateAllowlist(newCfg.Admin.IPAllowlist)
		})
		logger.Info("admin API registered", "allowlist_entries", len(cfg.Admin.IPAllowlist))
	}

	// Combine: operational endpoints bypass the middleware stack
	combined := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/health") ||
			strings.HasPrefix(r.URL.Path, "/ready") ||
			(cfg.Admin.Enabled && strings.HasPrefix(r.URL.Path, "/admin/")) ||
			(cfg.Metrics.IsEnabled() && r.URL.Path == metricsPath) {
			ops.ServeHTTP(w, r)
			return
		}
		handler.ServeHTTP(w, r)
	})

	return &app{
		handler:  combined,
		limiter:  limiter,
		reloader: reloader,
	}, nil
}

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "path to configuration file")
	flag.Parse()

	// Bootstrap logger: config errors must be reportable before the
	// configured logger exists.
	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, logLevel, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		bootLogger.Error("failed to initialize logging", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"providers", len(cfg.Providers),
		"default_provider", cfg.DefaultProvider,
		"auth_enabled", cfg.Auth.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"metrics_path", cfg.Metrics.Path,
		"trusted_proxies", len(cfg.Server.TrustedProxies),
		"max_body_bytes", cfg.Server.MaxBodyBytes,
	)

	// Initialize Prometheus metrics
	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	gw, err := newApp(*configPath, cfg, logger)
	if err != nil {
		logger.Error("failed to assemble gateway", "error", err)
		os.Exit(1)
	}
	defer gw.close()

	// The log level follows reloads; the writer does not (output changes
	// need a restart).
	gw.reloader.OnReload(func(newCfg *config.Config) {
		if lvl, err := logging.ParseLevel(newCfg.Logging.Level); err == nil {
			logLevel.Set(lvl)
		}
	})

	gw.reloader.Start()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      gw.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if cfg.Server.TLS.Enabled {
		tlsCfg, certLoader, err := tlsutil.ServerConfig(cfg.Server.TLS, logger)
		if err != nil {
			logger.Error("failed to configure TLS", "error", err)
			os.Exit(1)
		}
		defer certLoader.Stop()
		srv.TLSConfig = tlsCfg
	}

	// Start server in a goroutine
	go func() {
		logger.Info("starting gateway", "addr", srv.Addr, "tls", cfg.Server.TLS.Enabled)
		var err error
		if cfg.Server.TLS.Enabled {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("gateway stopped gracefully")
}
