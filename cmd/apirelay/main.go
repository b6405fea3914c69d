// Package main is the entry point for the apirelay gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/apirelay/apirelay/internal/authz"
	"github.com/apirelay/apirelay/internal/cache"
	"github.com/apirelay/apirelay/internal/circuitbreaker"
	"github.com/apirelay/apirelay/internal/config"
	"github.com/apirelay/apirelay/internal/dispatch"
	"github.com/apirelay/apirelay/internal/health"
	"github.com/apirelay/apirelay/internal/metrics"
	"github.com/apirelay/apirelay/internal/observability"
	"github.com/apirelay/apirelay/internal/registry"
	"github.com/apirelay/apirelay/internal/resilience"
	"github.com/apirelay/apirelay/internal/server"
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
	app := initApplication(cfg, logger)

	run(app, flags.configPath, logger)
}

// parseFlags parses command line flags. Environment variables provide
// the defaults so container deployments need no arguments.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("APIRELAY_CONFIG_PATH", "configs/apirelay.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("APIRELAY_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("APIRELAY_LOG_FORMAT", "json"),
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

func printVersion() {
	fmt.Printf("apirelay version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

func getEnvOrDefault(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

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

func loadAndValidateConfig(configPath string, logger observability.Logger) *config.Config {
	logger.Info("starting apirelay",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", observability.Error(err))
	}

	if err := config.Validate(cfg); err != nil {
		logger.Fatal("invalid configuration", observability.Error(err))
	}

	logger.Info("configuration loaded",
		observability.Int("services", len(cfg.Services)),
		observability.Int("routes", len(cfg.Routes)),
		observability.Bool("cache", cfg.Cache.Enabled),
		observability.Bool("auth", cfg.Auth.Enabled),
	)
	return cfg
}

// application bundles every running component for startup and shutdown.
type application struct {
	cfg      *config.Config
	server   *server.Server
	backends *registry.Registry
	tiered   *cache.Tiered
	tracer   *observability.Tracer
}

// initApplication wires the gateway components together.
func initApplication(cfg *config.Config, logger observability.Logger) *application {
	tracer, err := observability.NewTracer(observability.TracerConfig{
		ServiceName:  tracerServiceName(cfg),
		OTLPEndpoint: cfg.Observability.Tracing.OTLPEndpoint,
		SamplingRate: cfg.Observability.Tracing.SamplingRate,
		Enabled:      cfg.Observability.Tracing.Enabled,
	})
	if err != nil {
		logger.Fatal("failed to initialize tracer", observability.Error(err))
	}

	tiered := initCache(cfg, logger)

	backends, err := registry.New(cfg.Services, cfg.Health, registry.WithLogger(logger))
	if err != nil {
		logger.Fatal("failed to build backend registry", observability.Error(err))
	}

	breakers := circuitbreaker.NewRegistry(cfg.Resilience.Breaker, logger)
	executor := resilience.NewExecutor(cfg.Resilience, breakers, backends,
		resilience.WithLogger(logger))

	dispatchOpts := []dispatch.Option{
		dispatch.WithDefaultTTL(cfg.Cache.DefaultTTL.Duration()),
		dispatch.WithLogger(logger),
	}
	if tiered != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithCache(tiered))
	}
	dispatcher := dispatch.New(authz.New(cfg.Routes, cfg.Services), backends, executor, dispatchOpts...)

	checker := health.NewChecker()
	if tiered != nil {
		checker.RegisterCheck("cache", health.CacheCheck(tiered))
	}
	for _, svc := range cfg.Services {
		checker.RegisterCheck("backends:"+svc.Name, health.BackendCheck(backends, svc.Name))
	}

	serverOpts := []server.Option{server.WithLogger(logger)}
	if tiered != nil {
		serverOpts = append(serverOpts, server.WithCache(tiered))
	}
	if cfg.Auth.Enabled {
		parser, err := authz.NewTokenParser(cfg.Auth, logger)
		if err != nil {
			logger.Fatal("failed to initialize token parser", observability.Error(err))
		}
		serverOpts = append(serverOpts, server.WithTokenParser(parser))
	}

	initMetrics(cfg)

	return &application{
		cfg:      cfg,
		server:   server.New(cfg, dispatcher, checker, serverOpts...),
		backends: backends,
		tiered:   tiered,
		tracer:   tracer,
	}
}

// initCache builds the two-tier cache. An empty Redis URL leaves the
// distributed tier off; the cache then runs local-only.
func initCache(cfg *config.Config, logger observability.Logger) *cache.Tiered {
	if !cfg.Cache.Enabled {
		logger.Info("response cache disabled")
		return nil
	}

	opts := []cache.TieredOption{cache.WithTieredLogger(logger)}
	if cfg.Cache.Redis.URL != "" {
		store, err := cache.NewRedisStore(&cfg.Cache, logger)
		if err != nil {
			logger.Fatal("failed to connect to redis", observability.Error(err))
		}
		opts = append(opts, cache.WithDistributed(store))
	}

	tiered, err := cache.NewTiered(&cfg.Cache, opts...)
	if err != nil {
		logger.Fatal("failed to build cache", observability.Error(err))
	}
	return tiered
}

// initMetrics pre-populates the request series so dashboards show zeros
// instead of gaps before the first request.
func initMetrics(cfg *config.Config) {
	for _, svc := range cfg.Services {
		metrics.GetMetrics().Init(svc.Name, []string{"GET", "POST", "PUT", "PATCH", "DELETE"})
		for _, ep := range svc.Endpoints {
			registry.GetMetrics().Init(svc.Name, ep.Name)
		}
	}
}

func tracerServiceName(cfg *config.Config) string {
	if name := cfg.Observability.Tracing.ServiceName; name != "" {
		return name
	}
	return "apirelay"
}

// run starts the probe loop, the config watcher, and the HTTP listener,
// then blocks until a termination signal arrives.
func run(app *application, configPath string, logger observability.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app.backends.Start()

	// Route rules are immutable for the process lifetime. The watcher
	// only reports that a change was seen and a restart is needed.
	watcher, err := config.NewWatcher(configPath, func(*config.Config) {
		logger.Warn("configuration file changed; restart required to apply")
	}, config.WithWatcherLogger(logger))
	if err != nil {
		logger.Error("failed to create config watcher", observability.Error(err))
	} else if err := watcher.Start(ctx); err != nil {
		logger.Error("failed to start config watcher", observability.Error(err))
		watcher = nil
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", observability.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", observability.Error(err))
		}
	}

	shutdown(app, watcher, logger)
}

// shutdown drains the listener and stops background work in reverse
// startup order.
func shutdown(app *application, watcher *config.Watcher, logger observability.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		logger.Error("http server shutdown failed", observability.Error(err))
	}

	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			logger.Error("config watcher stop failed", observability.Error(err))
		}
	}

	app.backends.Stop()

	if app.tiered != nil {
		if err := app.tiered.Close(); err != nil {
			logger.Error("cache close failed", observability.Error(err))
		}
	}

	if err := app.tracer.Shutdown(ctx); err != nil {
		logger.Error("tracer shutdown failed", observability.Error(err))
	}

	logger.Info("shutdown complete")
}
