package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/prodledger/prodledger/internal/ap"
	"github.com/prodledger/prodledger/internal/app"
	"github.com/prodledger/prodledger/internal/platform/db"
	"github.com/prodledger/prodledger/internal/shared"
	"github.com/prodledger/prodledger/jobs"
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

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}

	client, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init queue client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("queue client close", slog.Any("error", err))
		}
	}()

	invoiceRepo := ap.NewRepository(pool)
	idempotencyStore := shared.NewIdempotencyStore(pool)

	dueScanTask := asynq.NewTask(jobs.TaskTypePaymentDueScan, nil)
	cleanupTask := asynq.NewTask(jobs.TaskTypeIdempotencyCleanup, nil)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskTypePaymentDueScan, Handler: jobs.HandlePaymentDueScan(invoiceRepo, client, logger)},
			{Type: jobs.TaskTypePaymentReminder, Handler: jobs.HandlePaymentReminder(logger)},
			{Type: jobs.TaskTypeIdempotencyCleanup, Handler: jobs.HandleIdempotencyCleanup(idempotencyStore, cfg.IdempotencyRetainer, logger)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "@every " + cfg.DueScanInterval.String(), Task: dueScanTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "45 1 * * *", Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
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
