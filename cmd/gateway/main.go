// Package main is the entry point for the gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/greentrail/gateway/internal/admin"
	"github.com/greentrail/gateway/internal/balancer"
	"github.com/greentrail/gateway/internal/circuitbreaker"
	"github.com/greentrail/gateway/internal/config"
	"github.com/greentrail/gateway/internal/middleware"
	"github.com/greentrail/gateway/internal/observability"
	"github.com/greentrail/gateway/internal/proxy"
	"github.com/greentrail/gateway/internal/registry"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadAndValidateConfig(flags.configPath, logger)

	app := newApp(cfg, logger)
	app.run(flags.configPath)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("GATEWAY_CONFIG_PATH", "configs/gateway.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("GATEWAY_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("GATEWAY_LOG_FORMAT", "json"),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information and exits.
func printVersion() {
	fmt.Printf("gateway version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// initLogger initializes the logger.
func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// loadAndValidateConfig loads and validates the configuration.
func loadAndValidateConfig(configPath string, logger observability.Logger) *config.GatewayConfig {
	logger.Info("starting gateway",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", observability.Error(err))
	}

	if err := config.ValidateConfig(cfg); err != nil {
		logger.Fatal("invalid configuration", observability.Error(err))
	}

	logger.Info("configuration loaded",
		observability.Int("services", len(cfg.Services)),
		observability.String("strategy", cfg.LoadBalancer.Strategy),
		observability.String("listen", cfg.Server.ListenAddr),
		observability.String("admin", cfg.Server.AdminAddr),
	)

	return cfg
}

// app wires the gateway components together.
type app struct {
	cfg      *config.GatewayConfig
	logger   observability.Logger
	registry *registry.InMemoryRegistry
	balancer *balancer.Balancer
	breakers *circuitbreaker.Registry
	proxy    *proxy.Proxy
	admin    *admin.Server
	server   *http.Server
}

// newApp builds the registry, balancer, circuit breakers, proxy and servers.
func newApp(cfg *config.GatewayConfig, logger observability.Logger) *app {
	pool := proxy.NewConnectionPool(proxy.DefaultPoolConfig())

	probeTimeout := cfg.HealthCheck.Timeout.Duration()
	if probeTimeout <= 0 {
		probeTimeout = config.DefaultHealthCheckTimeout
	}
	reg := registry.New(cfg.Services, cfg.HealthCheck,
		registry.WithLogger(logger),
		registry.WithProbeClient(&http.Client{
			Transport: pool.Transport(),
			Timeout:   probeTimeout,
		}),
	)

	sel := balancer.New(reg,
		balancer.WithLogger(logger),
		balancer.WithStrategy(cfg.LoadBalancer.Strategy),
	)

	cbConfig := circuitbreaker.DefaultConfig().
		WithFailureThreshold(cfg.CircuitBreaker.FailureThreshold).
		WithRecoveryTimeout(cfg.CircuitBreaker.RecoveryTimeout.Duration()).
		WithMonitoringPeriod(cfg.CircuitBreaker.MonitoringPeriod.Duration()).
		WithExpectedResponseTime(cfg.CircuitBreaker.ExpectedResponseTime.Duration())
	breakers := circuitbreaker.NewRegistry(cbConfig, logger)

	fwd := proxy.New(reg, sel, breakers,
		proxy.WithProxyLogger(logger),
		proxy.WithTransport(pool.Transport()),
	)

	rl := middleware.NewRateLimiter(1000, 2000, true,
		middleware.WithRateLimiterLogger(logger),
	)

	handler := middleware.Chain(
		middleware.Recovery(logger),
		middleware.RequestID(),
		middleware.Logging(logger),
		middleware.RateLimit(rl),
	)(fwd)

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	adminSrv := admin.NewServer(cfg.Server.AdminAddr, reg, reg, sel, breakers,
		admin.WithAdminLogger(logger),
	)

	return &app{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		balancer: sel,
		breakers: breakers,
		proxy:    fwd,
		admin:    adminSrv,
		server:   server,
	}
}

// run starts all components and blocks until a shutdown signal arrives.
func (a *app) run(configPath string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.registry.Start(ctx)
	a.balancer.Start(ctx)

	watcher := a.startConfigWatcher(ctx, configPath)

	errCh := make(chan error, 2)
	go func() {
		a.logger.Info("gateway listening",
			observability.String("addr", a.server.Addr),
		)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		if err := a.admin.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		a.logger.Info("shutdown signal received",
			observability.String("signal", sig.String()),
		)
	case err := <-errCh:
		a.logger.Error("server failed", observability.Error(err))
	}

	a.shutdown(watcher)
}

// startConfigWatcher wires configuration hot reload into the registry and
// balancer. Watcher failures are not fatal; the gateway keeps the last good
// configuration.
func (a *app) startConfigWatcher(ctx context.Context, configPath string) *config.Watcher {
	watcher, err := config.NewWatcher(configPath, func(cfg *config.GatewayConfig) {
		a.registry.ApplyServices(cfg.Services)
		if err := a.balancer.SetStrategy(cfg.LoadBalancer.Strategy); err != nil {
			a.logger.Warn("reload kept previous strategy", observability.Error(err))
		}
		a.logger.Info("configuration reloaded",
			observability.Int("services", len(cfg.Services)),
		)
	},
		config.WithWatcherLogger(a.logger),
		config.WithErrorCallback(func(err error) {
			a.logger.Error("configuration reload failed", observability.Error(err))
		}),
	)
	if err != nil {
		a.logger.Warn("config watcher unavailable", observability.Error(err))
		return nil
	}

	if err := watcher.Start(ctx); err != nil {
		a.logger.Warn("config watcher failed to start", observability.Error(err))
		return nil
	}

	return watcher
}

// shutdown stops components in reverse dependency order.
func (a *app) shutdown(watcher *config.Watcher) {
	timeout := a.cfg.Server.ShutdownTimeout.Duration()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Error("gateway server shutdown failed", observability.Error(err))
	}
	if err := a.admin.Shutdown(ctx); err != nil {
		a.logger.Error("admin server shutdown failed", observability.Error(err))
	}

	if watcher != nil {
		_ = watcher.Stop()
	}

	a.balancer.Stop()
	a.registry.Stop()

	a.logger.Info("gateway stopped")
}
