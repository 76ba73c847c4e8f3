package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/api"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/batch"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/config"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/coordinator"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/curve"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/dataplane"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/db"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/observability"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/pacing"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/platform"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/platform/ratelimit"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/proposals"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/scheduler"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/service"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/tracking"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/tree"
)

func main() {
	cfg := config.Load()

	logger, err := observability.InitLoggerWithService(cfg.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	defer func() {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to sync logger: %v\n", err)
		}
	}()

	if err := run(logger, cfg); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *zap.Logger, cfg config.Config) error {

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		shutdownTracing, err := observability.InitTracing(ctx, logger, cfg.ServiceName, cfg.OTLPEndpoint, cfg.TracingSampleRate)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer shutdownTracing()
	}

	pg, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		return fmt.Errorf("failed to connect postgres: %w", err)
	}
	defer pg.Close()

	params, err := pg.LoadAlgorithmParams(ctx)
	if err != nil {
		return fmt.Errorf("load algorithm parameters: %w", err)
	}
	var seedRules []models.RollbackRule
	if cfg.ParamsFile != "" {
		seed, err := config.LoadAlgorithmSeed(cfg.ParamsFile)
		if err != nil {
			return fmt.Errorf("load params seed: %w", err)
		}
		seed.ApplyTo(&params)
		if err := pg.SaveAlgorithmParams(ctx, params); err != nil {
			return fmt.Errorf("save seeded parameters: %w", err)
		}
		seedRules = seed.SeedRules()
		logger.Info("Applied algorithm parameter seed", zap.String("file", cfg.ParamsFile))
	}
	if inserted, err := pg.SeedRollbackRules(ctx, seedRules); err != nil {
		return fmt.Errorf("seed rollback rules: %w", err)
	} else if inserted > 0 {
		logger.Info("Seeded rollback rules", zap.Int("rules", inserted))
	}
	paramsStore := models.NewParamsStore(params)

	// Hydrate the in-memory entity cache before anything can serve from it.
	store := models.NewInMemoryAccountDataStore()
	if err := db.Init(ctx, pg, store); err != nil {
		return fmt.Errorf("failed to load account data: %w", err)
	}

	redisStore, err := db.InitRedis(cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}
	defer redisStore.Close()

	metricsRegistry := observability.NewPrometheusRegistry()

	ch, err := dataplane.InitClickHouse(cfg.ClickHouseDSN)
	if err != nil {
		return fmt.Errorf("failed to connect clickhouse: %w", err)
	}
	defer func() { _ = ch.DB.Close() }()

	plane := dataplane.New(ch, redisStore, pg, paramsStore, metricsRegistry)
	plane.StaleAfter = cfg.RealtimeStaleAfter
	plane.BackfillAfter = cfg.AMSBackfillAfter

	limiter := ratelimit.NewAccountLimiter(ratelimit.Config{
		Capacity:   cfg.RateLimitCapacity,
		RefillRate: cfg.RateLimitRefillRate,
		Enabled:    cfg.RateLimitEnabled,
	}, metricsRegistry)
	// Every platform write passes through the retry/limiter policy,
	// whatever transport sits behind it.
	client := platform.NewRetryClient(newPlatformClient(logger), limiter, metricsRegistry, cfg.PlatformMaxRetries, cfg.PlatformCallTimeout)

	batches := batch.NewMachine(pg, store, client, paramsStore, metricsRegistry)
	batches.RollbackWindow = cfg.BatchRollbackWindow
	tracker := tracking.NewEngine(pg, store, plane, batches, paramsStore, metricsRegistry)

	svc := service.New(service.Deps{
		Data:        store,
		PG:          pg,
		Redis:       redisStore,
		Plane:       plane,
		Consistency: plane,
		Curves:      curve.NewFitter(plane, pg, paramsStore, metricsRegistry),
		Trees:       tree.NewTrainer(plane, store, pg, paramsStore, metricsRegistry),
		Builder:     proposals.NewBuilder(plane, store, pg, client, paramsStore, metricsRegistry),
		Sources:     proposals.DefaultSources(),
		Coord:       coordinator.NewEngine(store, redisStore, pg, client, paramsStore, metricsRegistry),
		Pacing:      pacing.NewController(plane, store, redisStore, pg, paramsStore, metricsRegistry, cfg.PacingMinInterval),
		Batches:     batches,
		Tracking:    tracker,
		Params:      paramsStore,
		Metrics:     metricsRegistry,
	})

	sched := scheduler.New(pg, svc, metricsRegistry)
	sched.PollInterval = cfg.SchedulerPollInterval
	sched.WorkerCount = cfg.WorkerCount
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	srvDeps := api.NewServer(logger, svc, store, pg, metricsRegistry, cfg)

	r := srvDeps.Router()
	r.Handle("/metrics", promhttp.Handler())

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      otelhttp.NewHandler(r, "ops-http"),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	logger.Info("Optimizer control plane running", zap.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("listen: %w", err)
		}
	}()

	if cfg.ReloadInterval > 0 {
		ticker := time.NewTicker(cfg.ReloadInterval)
		go func() {
			for {
				select {
				case <-ticker.C:
					if err := srvDeps.Reload(ctx); err != nil {
						logger.Error("auto reload", zap.Error(err))
					}
				case <-ctx.Done():
					ticker.Stop()
					return
				}
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	return nil
}

// newPlatformClient picks the ads-API transport. The in-memory fake stands
// in until the sidecar endpoint is configured; PLATFORM_MODE=fake also
// selects it explicitly for local development.
func newPlatformClient(logger *zap.Logger) platform.Client {
	if mode := os.Getenv("PLATFORM_MODE"); mode != "" && mode != "fake" {
		logger.Warn("unknown PLATFORM_MODE, using fake transport", zap.String("mode", mode))
	}
	return platform.NewFake()
}
