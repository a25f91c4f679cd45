package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"

	"github.com/eugener/shadowfax/internal/auth"
	"github.com/eugener/shadowfax/internal/circuitbreaker"
	"github.com/eugener/shadowfax/internal/config"
	"github.com/eugener/shadowfax/internal/credential"
	"github.com/eugener/shadowfax/internal/kiro"
	"github.com/eugener/shadowfax/internal/oauth"
	"github.com/eugener/shadowfax/internal/pool"
	"github.com/eugener/shadowfax/internal/server"
	"github.com/eugener/shadowfax/internal/storage/sqlite"
	"github.com/eugener/shadowfax/internal/telemetry"
	"github.com/eugener/shadowfax/internal/tokencount"
	"github.com/eugener/shadowfax/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.Default()
	logger.Info("starting shadowfax", "version", version, "addr", cfg.Server.Addr)

	// Database
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	// Tracing
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	// Metrics
	var (
		metrics  *telemetry.Metrics
		registry *prometheus.Registry
	)
	if cfg.Telemetry.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(registry)
	}

	// Upstream plumbing: one shared HTTP client with DNS caching, one
	// credential manager, one client factory.
	resolver := &dnscache.Resolver{}
	httpClient := kiro.NewHTTPClient(resolver)

	credMgr := credential.NewManager(store, httpClient, credential.DefaultEndpoints(), logger)
	credMgr.SetMetrics(metrics)
	factory := kiro.NewFactory(credMgr, kiro.Config{
		HTTPClient: httpClient,
		Logger:     logger,
	})

	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig())
	selector := pool.NewSelector(store, breaker, pool.Config{
		Strategy:      cfg.Pool.Strategy,
		MaxErrorCount: cfg.Pool.MaxErrorCount,
		MaxRetries:    cfg.Pool.RequestMaxRetries,
		BaseDelay:     cfg.Pool.RequestBaseDelay,
	}, logger)
	selector.SetMetrics(metrics)

	apiKeyAuth, err := auth.NewAPIKeyAuth(store)
	if err != nil {
		return err
	}

	// OAuth grant driver
	oauthDriver := oauth.NewDriver(store, store, httpClient, oauth.DefaultEndpoints(), logger)
	oauthDriver.CallbackPortMin = cfg.OAuth.CallbackPortMin
	oauthDriver.CallbackPortMax = cfg.OAuth.CallbackPortMax
	defer oauthDriver.Close()

	// Background workers
	usageRecorder := worker.NewUsageRecorder(apiKeyAuth, logger)
	quotaSync := worker.NewQuotaSyncWorker(store, factory, logger)
	quotaSync.Interval = cfg.Pool.UsageSyncInterval
	healthCheck := worker.NewHealthCheckWorker(store, factory, selector, logger)
	healthCheck.Interval = cfg.Pool.HealthCheckInterval
	sweeper := worker.NewOAuthSweepWorker(store, logger)

	runner := worker.NewRunner(usageRecorder, quotaSync, healthCheck, sweeper)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	workerErr := make(chan error, 1)
	go func() {
		workerErr <- runner.Run(workerCtx)
	}()

	// HTTP server
	handler := server.New(server.Deps{
		Auth:     apiKeyAuth,
		Pool:     selector,
		Caller:   factory,
		Counter:  tokencount.NewCounter(),
		Usage:    usageRecorder,
		Metrics:  metrics,
		Registry: registry,
		Store:    store,
		OAuth:    oauthDriver,
		Quota:    quotaSync,
		AdminKey: cfg.Admin.Key,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	logger.Info("shadowfax ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Stop workers after the listener drains so in-flight usage still lands.
	stopWorkers()
	<-workerErr

	logger.Info("shadowfax stopped")
	return nil
}
