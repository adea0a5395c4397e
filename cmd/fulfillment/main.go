package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/fulfillment/cmd/fulfillment/cli"
	"github.com/odyssey-erp/fulfillment/internal/app"
	"github.com/odyssey-erp/fulfillment/internal/fulfillment"
	"github.com/odyssey-erp/fulfillment/internal/fulfillment/routing"
	jobmetrics "github.com/odyssey-erp/fulfillment/internal/jobs"
	"github.com/odyssey-erp/fulfillment/internal/observability"
	"github.com/odyssey-erp/fulfillment/internal/platform/cache"
	"github.com/odyssey-erp/fulfillment/internal/platform/db"
	"github.com/odyssey-erp/fulfillment/jobs"
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

	if len(os.Args) > 1 {
		if err := runCommand(ctx, cfg, os.Args[1:]); err != nil {
			logger.Error("command failed", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	dbpool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns, MaxConnIdleTime: cfg.PGMaxIdleTime})
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

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	dispatcher := jobs.NewDispatcher(jobClient, cfg.RouteCheckMaxRetry, logger, jobmetrics.NewMetrics(metrics.Registerer()))

	module := fulfillment.NewModule(
		fulfillment.PostgresStores(dbpool, redisClient, cfg.LineLockTTL),
		fulfillment.Deps{
			Logger:   logger,
			Metrics:  metrics.Fulfillment(),
			Retry:    dispatcher,
			Notifier: dispatcher,
		},
		fulfillment.Options{
			Policy:              routing.Policy{CancelledCompletesRoute: cfg.CancelledCompletesRoute},
			Concurrency:         cfg.ReconcileConcurrency,
			DefaultReturnReason: cfg.DefaultReturnReason,
		},
	)

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		FulfillmentHandler: module.Handler,
		JobHandler:         jobHandler,
		Metrics:            metrics,
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

// runCommand handles `jobs trigger <task> [args]` and `jobs stats`.
func runCommand(ctx context.Context, cfg *app.Config, args []string) error {
	if len(args) < 2 || args[0] != "jobs" {
		return fmt.Errorf("usage: fulfillment jobs trigger <task> [args] | jobs stats")
	}
	c := cli.NewJobsCLI(cfg.RedisAddr)
	defer func() { _ = c.Close() }()

	switch args[1] {
	case "trigger":
		if len(args) < 3 {
			return fmt.Errorf("usage: fulfillment jobs trigger <task> [args]")
		}
		info, err := c.Trigger(ctx, args[2], args[3:])
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s as %s\n", info.Type, info.ID)
	case "stats":
		stats, err := c.InspectQueue()
		if err != nil {
			return err
		}
		fmt.Printf("queue=%s pending=%d active=%d scheduled=%d retry=%d\n", stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
	default:
		return fmt.Errorf("unknown jobs command %q", args[1])
	}
	return nil
}
