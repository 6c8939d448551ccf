// Command worker runs the per-platform scan loops: it dequeues jobs under
// the platform lock, executes their workflow DAGs and streams results to
// disk. The daily-sync scheduler and the stuck-job sweeper run alongside.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/commercewatch/prodscan/internal/adapter/browser"
	"github.com/commercewatch/prodscan/internal/adapter/events"
	"github.com/commercewatch/prodscan/internal/adapter/lock/redislock"
	"github.com/commercewatch/prodscan/internal/adapter/observability"
	"github.com/commercewatch/prodscan/internal/adapter/repo/postgres"
	"github.com/commercewatch/prodscan/internal/adapter/repo/redisrepo"
	"github.com/commercewatch/prodscan/internal/adapter/scanner"
	"github.com/commercewatch/prodscan/internal/config"
	"github.com/commercewatch/prodscan/internal/domain"
	"github.com/commercewatch/prodscan/internal/engine"
	"github.com/commercewatch/prodscan/internal/engine/nodes"
	"github.com/commercewatch/prodscan/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.MetricsPort), mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	platforms, err := cfg.Platforms()
	if err != nil {
		slog.Error("invalid worker platform set", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("starting worker", slog.String("env", cfg.AppEnv), slog.Any("platforms", platforms))

	// Infra: Redis (jobs, queues, locks, scheduler state).
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid redis url", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	// Infra: Postgres (reference catalog).
	pool, err := pgxpool.New(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	platformCfgs, err := config.LoadPlatformConfigs(cfg.PlatformConfigDir)
	if err != nil {
		slog.Error("platform config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	workflows, err := config.LoadWorkflowDefinitions(cfg.WorkflowConfigDir)
	if err != nil {
		slog.Error("workflow config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	scanners, err := scanner.NewRegistryFromConfigs(platformCfgs)
	if err != nil {
		slog.Error("scanner registry build failed", slog.Any("error", err))
		os.Exit(1)
	}

	browserPool, err := browser.New(ctx, cfg.BrowserPoolSize)
	if err != nil {
		slog.Error("browser pool launch failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer browserPool.Cleanup()

	jobRepo := redisrepo.NewJobRepo(rdb, cfg.JobRetention)
	platformLock := redislock.New(rdb)
	schedulerStore := redisrepo.NewSchedulerStore(rdb)
	refRepo := postgres.NewReferenceRepo(postgres.PoolDB{Pool: pool})

	// Event publishing is optional; without brokers the notify node logs
	// and moves on.
	var publisher domain.EventPublisher
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaBrokers[0] != "" {
		kp, err := events.NewPublisher(cfg.KafkaBrokers, cfg.EventsTopic)
		if err != nil {
			slog.Error("event publisher init failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer kp.Close()
		publisher = kp
		slog.Info("event publisher connected", slog.Any("brokers", cfg.KafkaBrokers))
	}

	factory := engine.NewFactory()
	if err := nodes.Register(factory, nodes.Deps{
		Scanners:   scanners,
		Pool:       browserPool,
		Refs:       refRepo,
		Events:     publisher,
		Repo:       jobRepo,
		ResultsDir: cfg.ResultsDir,
	}); err != nil {
		slog.Error("node registration failed", slog.Any("error", err))
		os.Exit(1)
	}
	eng := engine.New(factory, jobRepo, logger, engine.WithDefaultTimeout(cfg.NodeTimeout))

	w := worker.New(worker.Params{
		Repo:         jobRepo,
		Lock:         platformLock,
		Scheduler:    schedulerStore,
		Workflows:    workflows,
		Engine:       eng,
		Logger:       logger,
		Platforms:    platforms,
		PollInterval: cfg.PollInterval,
		LockTTL:      cfg.LockTTL,
	})

	// The daily sync enqueues each platform's validation workflow.
	syncWorkflows := make(map[domain.Platform]string, len(platforms))
	for _, p := range platforms {
		id := string(p) + "-validation"
		if _, ok := workflows[id]; ok {
			syncWorkflows[p] = id
		}
	}
	daily := worker.NewDailySync(jobRepo, schedulerStore, syncWorkflows, platforms, logger)
	go func() {
		if err := daily.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("daily sync stopped", slog.Any("error", err))
		}
	}()

	sweeper := worker.NewSweeper(jobRepo, platforms, cfg.StuckJobMaxAge, logger)
	go func() {
		if err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("sweeper stopped", slog.Any("error", err))
		}
	}()

	slog.Info("worker started, waiting for jobs")
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("worker error", slog.Any("error", err))
	}
	slog.Info("worker stopped")
}
