package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/arcadia-platform/arcadia/internal/app"
	"github.com/arcadia-platform/arcadia/internal/authz"
	jobmetrics "github.com/arcadia-platform/arcadia/internal/jobs"
	"github.com/arcadia-platform/arcadia/internal/observability"
	"github.com/arcadia-platform/arcadia/internal/platform/db"
	"github.com/arcadia-platform/arcadia/internal/shared"
	"github.com/arcadia-platform/arcadia/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	metrics := observability.NewMetrics()
	taskMetrics := jobmetrics.NewMetrics(metrics.Registerer())
	auditLogger := shared.NewAuditLogger(pool)
	idempotencyStore := shared.NewIdempotencyStore(pool)

	authzRepo := authz.NewRepository(pool)
	invalidator := authz.NewInvalidator(metrics)
	authzService := authz.NewService(authzRepo, invalidator, auditLogger, idempotencyStore, logger)

	sweepTask, err := jobs.NewExpirySweepTask(jobs.ExpirySweepPayload{BatchSize: cfg.ExpirySweepBatchSize})
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskExpirySweep, Handler: jobs.NewExpirySweepHandler(authzService, taskMetrics, logger)},
			{Type: jobs.TaskRoleCacheRebuild, Handler: jobs.NewRoleCacheRebuildHandler(authzService, taskMetrics, logger)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.ExpirySweepCron, Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.RoleCacheRebuildCron, Task: jobs.NewRoleCacheRebuildTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
