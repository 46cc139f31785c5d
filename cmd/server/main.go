package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"PulseCampaign/internal/api"
	"PulseCampaign/internal/app"
	"PulseCampaign/internal/config"
	"PulseCampaign/internal/events"
	"PulseCampaign/internal/metrics"
	"PulseCampaign/internal/models"
	"PulseCampaign/internal/worker"
)

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

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ------------------------------------------------
	// Services (store, latch, provider, pipeline)
	// ------------------------------------------------
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

	var wg sync.WaitGroup

	// ------------------------------------------------
	// Job Execution
	// ------------------------------------------------
	if cfg.RedisAddr == "" {
		// no Redis: claim and execute in this process
		jobs := make(chan *models.Job, cfg.ClaimLimit)

		worker.StartPool(ctx, &wg, cfg.WorkerCount, jobs, a.Executor, logger)
		worker.StartPoller(ctx, &wg, cfg.PollInterval, cfg.ClaimLimit, a.Scheduler, jobs, logger)
	} else {
		logger.Info("REDIS_ADDR set, jobs run on cmd/worker")
	}

	// ------------------------------------------------
	// Delivery Events (Kafka)
	// ------------------------------------------------
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		consumer := events.NewConsumer(brokers, cfg.KafkaTopic, cfg.KafkaGroupID)
		defer consumer.Close()

		proc := &events.Processor{
			Source:       consumer,
			Recorder:     a.Tracker,
			Log:          logger,
			NotFoundWait: 30 * time.Second,
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := proc.Run(ctx); err != nil {
				logger.Error("delivery event consumer stopped", zap.Error(err))
			}
		}()
	}

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	handler := api.NewHandler(api.Handler{
		Scheduler:         a.Scheduler,
		Queue:             a.Queue,
		Workflow:          a.Workflow,
		Dispatch:          a.Dispatch,
		Tracker:           a.Tracker,
		Provider:          a.Provider,
		Log:               logger,
		GenerateBatchSize: cfg.GenerateBatchSize,
		DispatchBatchSize: cfg.DispatchBatchSize,
		MaxCohortRows:     cfg.MaxCohortRows,
	})

	apiServer := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: api.NewRouter(handler, strings.Split(cfg.CORSOrigins, ",")),
	}

	go func() {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	// Wait workers to finish
	wg.Wait()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}
