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

	"github.com/meridian-erp/meridian-erp/internal/app"
	"github.com/meridian-erp/meridian-erp/internal/costaudit"
	"github.com/meridian-erp/meridian-erp/internal/costing"
	"github.com/meridian-erp/meridian-erp/internal/observability"
	"github.com/meridian-erp/meridian-erp/internal/platform/cache"
	"github.com/meridian-erp/meridian-erp/internal/platform/db"
	"github.com/meridian-erp/meridian-erp/internal/shared"
	"github.com/meridian-erp/meridian-erp/jobs"
)

// logLedger records costing events until the accounting module takes over
// journal posting.
type logLedger struct {
	logger *slog.Logger
}

func (l logLedger) HandleCostPosted(ctx context.Context, evt costing.CostPostedEvent) error {
	l.logger.Info("cost posted",
		slog.Int64("sale_line_id", evt.SaleLineID),
		slog.Int64("product_id", evt.ProductID),
		slog.String("total_cost", evt.TotalCost.String()))
	return nil
}

func (l logLedger) HandleCostRevised(ctx context.Context, evt costing.CostRevisedEvent) error {
	l.logger.Info("cost revised",
		slog.Int64("sale_line_id", evt.SaleLineID),
		slog.Int64("product_id", evt.ProductID),
		slog.String("old_cost", evt.OldCost.String()),
		slog.String("new_cost", evt.NewCost.String()),
		slog.String("reason", string(evt.Reason)))
	return nil
}

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
		logger.Warn("redis unavailable, product leases disabled", slog.Any("error", err))
		redisClient = nil
	}
	defer func() {
		if redisClient == nil {
			return
		}
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	auditLogger := shared.NewAuditLogger(dbpool)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)
	productLease := shared.NewProductLease(redisClient, cfg.ProductLockTTL, cfg.ProductLockWait)

	metrics := observability.NewMetrics()

	costAuditRepo := costaudit.NewRepository(dbpool)
	costAuditService := costaudit.NewService(costAuditRepo)
	costAuditHandler := costaudit.NewHandler(logger, costAuditService)

	costingRepo := costing.NewRepository(dbpool)
	costingService := costing.NewService(
		costingRepo,
		auditLogger,
		idempotencyStore,
		productLease,
		logLedger{logger: logger},
		metrics,
		logger,
	)
	costingHandler := costing.NewHandler(logger, costingService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		CostingHandler: costingHandler,
		AuditHandler:   costAuditHandler,
		JobHandler:     jobHandler,
		Metrics:        metrics,
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
