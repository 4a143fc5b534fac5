package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/wolfman30/medspa-pms-sync/internal/config"
	"github.com/wolfman30/medspa-pms-sync/internal/health"
	"github.com/wolfman30/medspa-pms-sync/internal/jobs"
	"github.com/wolfman30/medspa-pms-sync/internal/observability/metrics"
	"github.com/wolfman30/medspa-pms-sync/internal/pms"
	"github.com/wolfman30/medspa-pms-sync/internal/practice"
	"github.com/wolfman30/medspa-pms-sync/internal/syncer"
	"github.com/wolfman30/medspa-pms-sync/internal/writer"
	"github.com/wolfman30/medspa-pms-sync/pkg/logging"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// BuildPool opens and pings the Postgres pool.
func BuildPool(ctx context.Context, cfg *appconfig.Config) (*pgxpool.Pool, error) {
	if cfg == nil || strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, fmt.Errorf("bootstrap: DATABASE_URL is required")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap: ping database: %w", err)
	}
	return pool, nil
}

// BuildGuard picks the cross-process Redis guard when Redis is reachable and
// falls back to the in-process guard otherwise.
func BuildGuard(cfg *appconfig.Config, redisClient *redis.Client, logger *logging.Logger) syncer.Guard {
	if logger == nil {
		logger = logging.Default()
	}
	if redisClient == nil {
		logger.Warn("redis unavailable; sync guard is process-local")
		return syncer.NewKeyedGuard()
	}
	return syncer.NewRedisGuard(redisClient, cfg.SyncLockTTL, logger)
}

// Runtime is the wired PMS sync stack shared by the API server and the CLI.
type Runtime struct {
	Store   *practice.Store
	Client  *pms.Client
	Metrics *metrics.SyncMetrics
	Service *jobs.Service
}

// BuildRuntime wires store, PMS client, engine, monitor, writer and jobs service from config.
func BuildRuntime(cfg *appconfig.Config, db practice.DB, redisClient *redis.Client, reg prometheus.Registerer, logger *logging.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if db == nil {
		return nil, fmt.Errorf("bootstrap: database is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	syncMetrics := metrics.NewSyncMetrics(reg)
	store := practice.NewStore(db)
	client := pms.New(pms.Config{
		SandboxBaseURL:    cfg.PMSSandboxBaseURL,
		ProductionBaseURL: cfg.PMSProductionBaseURL,
		Timeout:           cfg.PMSRequestTimeout,
		Logger:            logger,
		Observer:          syncMetrics,
	})
	retry := pms.RetryPolicy{
		MaxAttempts: cfg.PMSMaxRetries,
		BaseDelay:   cfg.PMSRetryBaseDelay,
		MaxDelay:    pms.DefaultRetryPolicy().MaxDelay,
		Logger:      logger,
	}

	engine := syncer.NewEngine(client, store, BuildGuard(cfg, redisClient, logger), syncMetrics, syncer.Config{
		PageSize:        cfg.PMSPageSize,
		InitialLookback: cfg.SyncInitialLookback,
		Retry:           retry,
	}, logger)
	monitor := health.NewMonitor(client, store, syncMetrics, cfg.HealthDownThreshold, logger).WithAuthRetry(retry)
	seeder := writer.New(client, syncMetrics, writer.Config{
		Concurrency:   cfg.WriterConcurrency,
		RatePerSecond: cfg.WriterRatePerSecond,
		Retry:         retry,
	}, logger)

	service := jobs.NewService(jobs.Deps{
		Store:       store,
		Auth:        client,
		Syncer:      engine,
		Health:      monitor,
		Seeder:      seeder,
		Concurrency: cfg.SyncConcurrency,
		AuthRetry:   retry,
	}, logger)

	return &Runtime{Store: store, Client: client, Metrics: syncMetrics, Service: service}, nil
}
