package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/medspa-pms-sync/internal/api/router"
	"github.com/wolfman30/medspa-pms-sync/internal/app/bootstrap"
	appconfig "github.com/wolfman30/medspa-pms-sync/internal/config"
	"github.com/wolfman30/medspa-pms-sync/internal/events"
	"github.com/wolfman30/medspa-pms-sync/internal/http/handlers"
	"github.com/wolfman30/medspa-pms-sync/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting medspa-pms-sync API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := bootstrap.BuildPool(ctx, cfg)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	metricsHandler, registry := setupMetrics()
	rt, err := bootstrap.BuildRuntime(cfg, pool, redisClient, registry, logger)
	if err != nil {
		logger.Error("failed to wire runtime", "error", err)
		os.Exit(1)
	}

	if err := startOutboxRelay(ctx, cfg, events.NewOutboxStore(pool), redisClient, logger); err != nil {
		logger.Warn("outbox relay disabled", "error", err)
	}

	r := router.New(&router.Config{
		Logger:            logger,
		AdminIntegrations: handlers.NewAdminIntegrationsHandler(rt.Service, logger),
		AdminAuthSecret:   cfg.AdminJWTSecret,
		MetricsHandler:    metricsHandler,
		Readiness:         readiness(pool, redisClient),
		RequestTimeout:    10 * time.Minute,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Admin seeds and full syncs run inside the request.
		WriteTimeout: 11 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
	fmt.Println("Server exited gracefully")
}

// setupMetrics builds a dedicated registry with runtime collectors and its /metrics handler.
func setupMetrics() (http.Handler, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), registry
}

// startOutboxRelay publishes committed outbox rows to the Redis events channel.
func startOutboxRelay(ctx context.Context, cfg *appconfig.Config, store *events.OutboxStore, redisClient *redis.Client, logger *logging.Logger) error {
	if redisClient == nil {
		return errors.New("redis unavailable")
	}
	publisher, err := events.NewRedisPublisher(redisClient, cfg.EventsChannel)
	if err != nil {
		return err
	}
	deliverer := events.NewDeliverer(store, publisher, logger).WithInterval(cfg.OutboxRelayInterval)
	go deliverer.Start(ctx)
	logger.Info("outbox relay started", "channel", cfg.EventsChannel, "interval", cfg.OutboxRelayInterval.String())
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

func readiness(db pinger, redisClient *redis.Client) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := db.Ping(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
		if redisClient != nil {
			if err := redisClient.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
		}
		return nil
	}
}
