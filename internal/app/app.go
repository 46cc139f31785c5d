// Package app wires the pipeline services from configuration. Both binaries
// share it.
package app

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"PulseCampaign/internal/config"
	"PulseCampaign/internal/content"
	"PulseCampaign/internal/db"
	"PulseCampaign/internal/dispatch"
	"PulseCampaign/internal/email"
	"PulseCampaign/internal/lock"
	"PulseCampaign/internal/memstore"
	"PulseCampaign/internal/queue"
	"PulseCampaign/internal/render"
	"PulseCampaign/internal/scheduler"
	"PulseCampaign/internal/storage"
	"PulseCampaign/internal/store"
	"PulseCampaign/internal/tracking"
	"PulseCampaign/internal/worker"
	"PulseCampaign/internal/workflow"
)

type App struct {
	Store     store.Store
	Scheduler *scheduler.Scheduler
	Queue     *queue.Service
	Workflow  *workflow.Workflow
	Dispatch  *dispatch.Orchestrator
	Tracker   *tracking.Tracker
	Provider  email.Provider
	Executor  *worker.Executor

	// Redis is nil when REDIS_ADDR is unset.
	Redis *redis.Client

	closers []func()
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// RedisOpt returns the asynq connection settings for cfg.
func RedisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}

func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{}

	// ----------------------------
	// Store
	// ----------------------------
	switch cfg.Store {
	case "memory":
		logger.Warn("using in-memory store, data is lost on restart")
		a.Store = memstore.New()
	case "postgres":
		if cfg.AutoMigrate {
			if err := db.Migrate(cfg.DatabaseURL, logger); err != nil {
				return nil, err
			}
		}
		pg, err := db.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.Store = pg
		a.closers = append(a.closers, pg.Close)
	default:
		return nil, fmt.Errorf("unknown STORE %q", cfg.Store)
	}

	// ----------------------------
	// Latch
	// ----------------------------
	var latch lock.Latch = lock.NewLocal()
	if cfg.RedisAddr != "" {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		a.closers = append(a.closers, func() { _ = a.Redis.Close() })
		latch = lock.NewRedis(a.Redis, "pulsecampaign:", cfg.LatchTTL, logger)
	}

	// ----------------------------
	// Templates + Drafts
	// ----------------------------
	templates, err := render.LoadDir(cfg.TemplatesDir)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("load templates: %w", err)
	}

	var blobs storage.BlobStore = storage.NewMemory()
	if cfg.S3Bucket != "" {
		s3, err := storage.NewS3(ctx, storage.S3Options{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.AWSRegion,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
			Prefix:          cfg.S3Prefix,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		blobs = s3
	} else {
		logger.Warn("S3_BUCKET not set, drafts are kept in memory")
	}

	router := &content.Router{Predefined: &content.TemplateGenerator{Renderer: templates}}
	if ai := content.NewAIGenerator(cfg.AIBaseURL, cfg.AIAPIKey, cfg.AIModel); ai.IsConfigured() {
		router.Generated = ai
	}

	// ----------------------------
	// Email Provider
	// ----------------------------
	provider, err := newProvider(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Provider = provider

	// ----------------------------
	// Services
	// ----------------------------
	a.Scheduler = scheduler.New(a.Store, logger)
	a.Queue = queue.New(a.Store, logger)
	a.Tracker = &tracking.Tracker{Records: a.Store, Log: logger}

	a.Workflow = &workflow.Workflow{
		Queue:       a.Queue,
		Generator:   router,
		Blobs:       blobs,
		Latch:       latch,
		ItemTimeout: cfg.GenerateTimeout,
		Log:         logger,
	}

	a.Dispatch = &dispatch.Orchestrator{
		Queue:       a.Queue,
		Records:     a.Store,
		Scheduler:   a.Scheduler,
		Provider:    provider,
		Content:     &content.Resolver{Renderer: templates, Blobs: blobs},
		Latch:       latch,
		Limiter:     rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit),
		SendTimeout: cfg.SendTimeout,
		Log:         logger,
	}

	a.Executor = &worker.Executor{
		Scheduler: a.Scheduler,
		Queue:     a.Queue,
		Workflow:  a.Workflow,
		Dispatch:  a.Dispatch,
		Policy: worker.Policy{
			GenerateBatchSize: cfg.GenerateBatchSize,
			DispatchBatchSize: cfg.DispatchBatchSize,
			MaxCohortRows:     cfg.MaxCohortRows,
			MaxJobRetries:     cfg.MaxJobRetries,
			RetryDelayMinutes: cfg.JobRetryDelay,
			ItemAutoRetry:     cfg.ItemAutoRetry,
			ItemMaxAttempts:   cfg.ItemMaxAttempts,
		},
		Log: logger,
	}

	return a, nil
}

func newProvider(ctx context.Context, cfg *config.Config) (email.Provider, error) {
	var p email.Provider

	switch cfg.Provider {
	case "smtp":
		p = &email.SMTPSender{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			User:     cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}
	case "ses":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		ses, err := email.NewSESSender(awsCfg, cfg.SESFrom, cfg.SESConfigurationSet)
		if err != nil {
			return nil, err
		}
		p = ses
	default:
		return nil, fmt.Errorf("unknown MAIL_PROVIDER %q", cfg.Provider)
	}

	return email.WithRetry(p, cfg.RetryAttempts), nil
}
