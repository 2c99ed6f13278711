package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/arcadia-platform/arcadia/internal/apikeys"
	"github.com/arcadia-platform/arcadia/internal/app"
	"github.com/arcadia-platform/arcadia/internal/authz"
	"github.com/arcadia-platform/arcadia/internal/observability"
	"github.com/arcadia-platform/arcadia/internal/platform/cache"
	"github.com/arcadia-platform/arcadia/internal/platform/db"
	"github.com/arcadia-platform/arcadia/internal/ratelimit"
	"github.com/arcadia-platform/arcadia/internal/shared"
	"github.com/arcadia-platform/arcadia/internal/users"
	"github.com/arcadia-platform/arcadia/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(dbpool)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)

	authzRepo := authz.NewRepository(dbpool)
	resolver := authz.NewResolver(authzRepo, metrics)
	invalidator := authz.NewInvalidator(metrics)
	authzService := authz.NewService(authzRepo, invalidator, auditLogger, idempotencyStore, logger)
	authzMiddleware := authz.Middleware{Resolver: resolver, Logger: logger}
	authzHandler := authz.NewHandler(logger, authzService, resolver, authzMiddleware)

	keyRepo := apikeys.NewRepository(dbpool)
	keyDefaults := apikeys.RateLimits{PerMinute: cfg.APIKeyRatePerMinute, PerHour: cfg.APIKeyRatePerHour}
	keyService := apikeys.NewService(keyRepo, resolver, auditLogger, keyDefaults, logger)
	keyHandler := apikeys.NewHandler(logger, keyService)
	keyMiddleware := &apikeys.Middleware{
		Service: keyService,
		Limiter: ratelimit.NewLimiter(redisClient),
		Logger:  logger,
	}

	usersRepo := users.NewRepository(dbpool)
	usersHandler := users.NewHandler(logger, users.NewService(usersRepo))

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		AuthzHandler:     authzHandler,
		APIKeysHandler:   keyHandler,
		UsersHandler:     usersHandler,
		JobHandler:       jobHandler,
		APIKeyMiddleware: keyMiddleware,
		Metrics:          metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
