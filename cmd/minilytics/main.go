package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/platinummonkey/minilytics/pkg/analytics"
	"github.com/platinummonkey/minilytics/pkg/api"
	"github.com/platinummonkey/minilytics/pkg/config"
	"github.com/platinummonkey/minilytics/pkg/middleware"
	"github.com/platinummonkey/minilytics/pkg/observability"
	"github.com/platinummonkey/minilytics/pkg/storage"
)

var (
	envFile     = flag.String("env-file", ".env", "Optional dotenv file merged into the environment before configuration is read")
	migrateOnly = flag.Bool("migrate-only", false, "Create or upgrade the schema and exit")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "minilytics: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotEnv(*envFile); err != nil {
		return err
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	ctx, cancel := context.WithCancel(observability.WithLogger(context.Background(), logger))
	defer cancel()

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)

	otel, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	shutdown.RegisterShutdownFunc("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otel, logger)
	})

	var (
		registry *prometheus.Registry
		metrics  *observability.Metrics
	)
	if cfg.Observability.MetricsEnabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = observability.NewMetrics(registry)
	}

	store, err := storage.Open(ctx, cfg.Storage, storage.WithLogger(logger), storage.WithMetrics(metrics))
	if err != nil {
		return err
	}
	// Registered first so it is released last.
	shutdown.RegisterShutdownFunc("store", func(context.Context) error {
		return store.Close()
	})

	if *migrateOnly {
		logger.WithField("driver", cfg.Storage.Driver).Info("Schema is up to date")
		return shutdown.Shutdown()
	}

	var redisClient *redis.Client
	if cfg.RateLimit.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RateLimit.RedisURL)
		if err != nil {
			_ = shutdown.Shutdown()
			return fmt.Errorf("invalid redis URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
		shutdown.RegisterShutdownFunc("redis", func(context.Context) error {
			return redisClient.Close()
		})
	}

	cache := analytics.NewSiteCache(cfg.Analytics.SiteCacheSize, cfg.Analytics.SiteCacheTTL)
	tracker := analytics.NewTracker(store,
		analytics.WithTrackerCache(cache),
		analytics.WithTrackerMetrics(metrics))
	service := analytics.NewService(store,
		analytics.WithServiceCache(cache),
		analytics.WithServiceMetrics(metrics))

	routerCfg := api.RouterConfig{
		Handlers:     api.NewHandlers(tracker, service, cfg.Server.PublicHost),
		Logger:       logger,
		Metrics:      metrics,
		CORSOrigins:  cfg.Server.CORSOrigins,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	}

	var localLimiter *middleware.RateLimiter
	if cfg.RateLimit.Enabled {
		limits := &middleware.RateLimitConfig{
			RequestsPerWindow: cfg.RateLimit.RequestsPerMinute,
			WindowDuration:    time.Minute,
			BurstSize:         cfg.RateLimit.Burst,
		}

		var limiter middleware.Limiter
		if redisClient != nil {
			limiter = middleware.NewDistributedRateLimiter(redisClient, limits, "")
		} else {
			localLimiter = middleware.NewRateLimiter(limits)
			limiter = localLimiter
		}
		routerCfg.RateLimit = middleware.NewRateLimitMiddleware(limiter, cfg.RateLimit.RequestsPerMinute, metrics, logger).Handler
	}

	var pruner bucketPruner
	if localLimiter != nil {
		pruner = localLimiter
		if cfg.Analytics.CheckpointSchedule == "" {
			localLimiter.StartCleanup(ctx, logger)
		}
	}

	scheduler, err := newMaintenance(cfg.Analytics.CheckpointSchedule, store, pruner, logger)
	if err != nil {
		_ = shutdown.Shutdown()
		return err
	}
	scheduler.Start()
	shutdown.RegisterShutdownFunc("maintenance", func(ctx context.Context) error {
		select {
		case <-scheduler.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.NewRouter(routerCfg),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	shutdown.AddServer(server)

	opsMux := http.NewServeMux()
	observability.RegisterHealthRoutes(opsMux, observability.NewHealthChecker(store, redisClient))
	if registry != nil {
		observability.RegisterMetricsEndpoint(opsMux, registry)
	}
	opsServer := &http.Server{
		Addr:        cfg.Server.HealthAddr(),
		Handler:     opsMux,
		ReadTimeout: cfg.Server.ReadTimeout,
	}
	shutdown.AddServer(opsServer)

	serveErr := make(chan error, 2)
	for _, srv := range []*http.Server{server, opsServer} {
		go func() {
			defer observability.RecoverPanic(logger, "http listener "+srv.Addr)
			logger.WithField("addr", srv.Addr).Info("Listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("listener %s: %w", srv.Addr, err)
			}
		}()
	}

	logger.WithFields(map[string]interface{}{
		"driver":     cfg.Storage.Driver,
		"rate_limit": cfg.RateLimit.Enabled,
		"redis":      redisClient != nil,
		"tracing":    cfg.Observability.OTelEnabled,
	}).Infof("minilytics started, tracking script at http://%s/script.js", server.Addr)

	waitCtx, stopWaiting := context.WithCancel(ctx)
	defer stopWaiting()

	failed := make(chan error, 1)
	go func() {
		select {
		case err := <-serveErr:
			logger.WithError(err).Error("Listener failed")
			failed <- err
			stopWaiting()
		case <-waitCtx.Done():
		}
	}()

	shutdownErr := shutdown.WaitForShutdown(waitCtx)
	select {
	case err := <-failed:
		return err
	default:
		return shutdownErr
	}
}
