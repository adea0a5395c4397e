package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/fulfillment/internal/app"
	"github.com/odyssey-erp/fulfillment/internal/fulfillment"
	"github.com/odyssey-erp/fulfillment/internal/fulfillment/routing"
	jobmetrics "github.com/odyssey-erp/fulfillment/internal/jobs"
	"github.com/odyssey-erp/fulfillment/internal/platform/cache"
	"github.com/odyssey-erp/fulfillment/internal/platform/db"
	"github.com/odyssey-erp/fulfillment/internal/shared"
	"github.com/odyssey-erp/fulfillment/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns, MaxConnIdleTime: cfg.PGMaxIdleTime})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

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

	// read side only: jobs here never enqueue follow-up work
	module := fulfillment.NewModule(
		fulfillment.PostgresStores(pool, redisClient, cfg.LineLockTTL),
		fulfillment.Deps{Logger: logger},
		fulfillment.Options{
			Policy:              routing.Policy{CancelledCompletesRoute: cfg.CancelledCompletesRoute},
			DefaultReturnReason: cfg.DefaultReturnReason,
		},
	)
	metrics := jobmetrics.NewMetrics(nil)

	routeCheckJob := jobs.NewRouteCheckJob(module.Monitor, logger, metrics)
	notifyJob := jobs.NewNotifyStatusJob(module.Orders, jobs.LogSender{Logger: logger}, cfg.NotifyLocale, logger, metrics)
	cleanupJob := jobs.NewIdempotencyCleanupJob(shared.NewIdempotencyStore(pool), logger, metrics)

	cleanupTask, err := jobs.NewIdempotencyCleanupTask(cfg.IdempotencyRetention)
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskRouteCompletionCheck, Handler: routeCheckJob.Handle},
			{Type: jobs.TaskNotifyOrderStatus, Handler: notifyJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 3 * * *", Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
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
