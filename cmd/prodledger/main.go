package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prodledger/prodledger/internal/ap"
	"github.com/prodledger/prodledger/internal/app"
	"github.com/prodledger/prodledger/internal/approval"
	"github.com/prodledger/prodledger/internal/budget"
	"github.com/prodledger/prodledger/internal/members"
	"github.com/prodledger/prodledger/internal/payments"
	"github.com/prodledger/prodledger/internal/platform/cache"
	"github.com/prodledger/prodledger/internal/platform/db"
	"github.com/prodledger/prodledger/internal/procurement"
	"github.com/prodledger/prodledger/internal/sequence"
	"github.com/prodledger/prodledger/internal/shared"
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
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

	auditLogger := shared.NewAuditLogger(pool)
	idempotencyStore := shared.NewIdempotencyStore(pool)

	memberRepo := members.NewRepository(pool)
	configStore := approval.NewConfigStore(pool)

	sequenceService := sequence.NewService(sequence.NewRepository(pool), logger)

	budgetService := budget.NewService(budget.NewRepository(pool), auditLogger, logger)
	budgetService.UseCache(budget.NewCache(redisClient, cfg.BudgetCacheTTL))

	poService := procurement.NewService(
		procurement.NewRepository(pool),
		sequenceService,
		budgetService,
		memberRepo,
		configStore,
		idempotencyStore,
		auditLogger,
		logger,
	)

	invoiceService := ap.NewService(
		ap.NewRepository(pool),
		sequenceService,
		poService,
		memberRepo,
		configStore,
		auditLogger,
		logger,
	)

	paymentService := payments.NewService(
		payments.NewRepository(pool),
		invoiceService,
		poService,
		budgetService,
		idempotencyStore,
		auditLogger,
		logger,
	)

	router := app.NewRouter(app.RouterDeps{
		Logger: logger,
		Config: cfg,
		Pool:   pool,
		Redis:  redisClient,
		Audit:  auditLogger,
		Handlers: []app.RouteMounter{
			members.NewHandler(logger, memberRepo),
			approval.NewHandler(logger, configStore),
			budget.NewHandler(logger, budgetService),
			procurement.NewHandler(logger, poService),
			ap.NewHandler(logger, invoiceService),
			payments.NewHandler(logger, paymentService),
		},
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
