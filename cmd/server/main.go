// Command server starts the prodscan HTTP API: workflow enqueueing, job
// status and queue observability.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/commercewatch/prodscan/internal/adapter/httpserver"
	"github.com/commercewatch/prodscan/internal/adapter/observability"
	"github.com/commercewatch/prodscan/internal/adapter/repo/redisrepo"
	"github.com/commercewatch/prodscan/internal/app"
	"github.com/commercewatch/prodscan/internal/config"
	"github.com/commercewatch/prodscan/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	// Infra: Redis holds jobs, queues and locks.
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid redis url", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	// Infra: Postgres holds the reference catalog. The API itself never
	// queries it, but readiness reports the whole stack.
	pool, err := pgxpool.New(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	workflows, err := config.LoadWorkflowDefinitions(cfg.WorkflowConfigDir)
	if err != nil {
		slog.Error("workflow config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("workflows loaded", slog.Int("count", len(workflows)))

	jobRepo := redisrepo.NewJobRepo(rdb, cfg.JobRetention)
	jobSvc := usecase.NewJobService(jobRepo, workflows, logger)
	srv := httpserver.NewServer(jobSvc)

	ready := app.NewReadiness().
		Add("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() }).
		Add("postgres", func(ctx context.Context) error { return pool.Ping(ctx) })

	handler := app.BuildRouter(cfg, srv, ready)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
