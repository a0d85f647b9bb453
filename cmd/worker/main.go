package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-inventory/internal/app"
	"github.com/odyssey-erp/odyssey-inventory/internal/inventory"
	jobmetrics "github.com/odyssey-erp/odyssey-inventory/internal/jobs"
	"github.com/odyssey-erp/odyssey-inventory/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-inventory/internal/platform/db"
	"github.com/odyssey-erp/odyssey-inventory/internal/shared"
	"github.com/odyssey-erp/odyssey-inventory/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
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

	metrics := jobmetrics.NewMetrics(nil)

	// The expiry scan only reads lots.
	inventoryService := inventory.NewService(inventory.NewRepository(pool), inventory.Dependencies{
		Cache:  inventory.NewCache(redisClient, cfg.InventoryCacheTTL),
		Logger: logger,
	}, inventory.ServiceConfig{ConflictRetries: cfg.InventoryConflictRetries})

	reorderJob := jobs.NewReorderJob(jobs.NewPGReorderStore(pool), logger, metrics)
	cleanupJob := &jobs.IdempotencyCleanupJob{Keys: shared.NewIdempotencyStore(pool), Logger: logger, Metrics: metrics}
	expiryJob := &jobs.LotExpiryJob{Lots: inventoryService, Logger: logger, Metrics: metrics}

	cleanupTask, err := jobs.NewIdempotencyCleanupTask(cfg.IdempotencyRetention)
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}
	expiryTask, err := jobs.NewLotExpiryTask(cfg.LotExpiryWindowDays)
	if err != nil {
		logger.Error("build expiry task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskInventoryReorder, Handler: reorderJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
			{Type: jobs.TaskLotExpiryScan, Handler: expiryJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "15 3 * * *", Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 6 * * *", Task: expiryTask, Options: []asynq.Option{asynq.MaxRetry(3), asynq.Timeout(10 * time.Minute)}},
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
