package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"PulseCampaign/internal/app"
	"PulseCampaign/internal/config"
	"PulseCampaign/internal/metrics"
	"PulseCampaign/internal/tasks"
)

// worker runs claimed jobs through asynq so several instances can share the
// load. It needs REDIS_ADDR.
func main() {

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	if cfg.RedisAddr == "" {
		logger.Fatal("REDIS_ADDR is required for the worker")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build services", zap.Error(err))
	}
	defer a.Close()

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Asynq
	// ------------------------------------------------
	opt := app.RedisOpt(cfg)

	client := tasks.NewClient(opt)
	defer client.Close()

	ticker, err := tasks.NewTicker(opt, cfg.TickInterval)
	if err != nil {
		logger.Fatal("failed to register tick", zap.Error(err))
	}
	if err := ticker.Start(); err != nil {
		logger.Fatal("failed to start tick scheduler", zap.Error(err))
	}

	mux := tasks.NewMux(
		&tasks.TickHandler{
			Scheduler:  a.Scheduler,
			Enqueuer:   client,
			ClaimLimit: cfg.ClaimLimit,
			Log:        logger,
		},
		&tasks.ExecuteHandler{
			Scheduler: a.Scheduler,
			Executor:  a.Executor,
			Log:       logger,
		},
	)

	srv := tasks.NewServer(opt, cfg.WorkerCount)
	if err := srv.Start(mux); err != nil {
		logger.Fatal("failed to start task server", zap.Error(err))
	}
	logger.Info("task worker started", zap.Int("concurrency", cfg.WorkerCount))

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutdown signal received", zap.String("signal", sig.String()))

	ticker.Shutdown()
	srv.Shutdown()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("worker shutdown complete")
}
