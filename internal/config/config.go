package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ----------------------------
	// Provider
	// ----------------------------
	Provider string `envconfig:"MAIL_PROVIDER" default:"smtp"` // smtp | ses

	// ----------------------------
	// SMTP
	// ----------------------------
	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`
	SMTPFrom     string `envconfig:"SMTP_FROM" default:"noreply@pulsecampaign.io"`

	// ----------------------------
	// SES
	// ----------------------------
	AWSRegion           string `envconfig:"AWS_REGION" default:"us-east-1"`
	SESFrom             string `envconfig:"SES_FROM_EMAIL" default:""`
	SESConfigurationSet string `envconfig:"SES_CONFIGURATION_SET" default:""`

	// ----------------------------
	// Workers
	// ----------------------------
	WorkerCount   int           `envconfig:"WORKER_COUNT" default:"5"`
	RateLimit     int           `envconfig:"RATE_LIMIT" default:"10"`
	RetryAttempts int           `envconfig:"RETRY_ATTEMPTS" default:"3"`
	PollInterval  time.Duration `envconfig:"POLL_INTERVAL" default:"15s"`
	ClaimLimit    int           `envconfig:"CLAIM_LIMIT" default:"20"`

	// ----------------------------
	// Pipeline
	// ----------------------------
	GenerateBatchSize int           `envconfig:"GENERATE_BATCH_SIZE" default:"50"`
	DispatchBatchSize int           `envconfig:"DISPATCH_BATCH_SIZE" default:"200"`
	GenerateTimeout   time.Duration `envconfig:"GENERATE_TIMEOUT" default:"45s"`
	SendTimeout       time.Duration `envconfig:"SEND_TIMEOUT" default:"30s"`
	MaxJobRetries     int           `envconfig:"MAX_JOB_RETRIES" default:"3"`
	JobRetryDelay     int           `envconfig:"JOB_RETRY_DELAY_MINUTES" default:"5"`
	ItemAutoRetry     bool          `envconfig:"ITEM_AUTO_RETRY" default:"false"`
	ItemMaxAttempts   int           `envconfig:"ITEM_MAX_ATTEMPTS" default:"3"`
	TemplatesDir      string        `envconfig:"TEMPLATES_DIR" default:"templates"`
	MaxCohortRows     int           `envconfig:"MAX_COHORT_ROWS" default:"5000"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort     string `envconfig:"API_PORT" default:"8080"`
	CORSOrigins string `envconfig:"CORS_ORIGINS" default:"*"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Database
	// ----------------------------
	Store       string `envconfig:"STORE" default:"postgres"` // postgres | memory
	DatabaseURL string `envconfig:"DATABASE_URL" default:""`
	AutoMigrate bool   `envconfig:"AUTO_MIGRATE" default:"true"`

	// ----------------------------
	// Redis (latch + task runner)
	// ----------------------------
	RedisAddr     string        `envconfig:"REDIS_ADDR" default:""`
	RedisPassword string        `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int           `envconfig:"REDIS_DB" default:"0"`
	LatchTTL      time.Duration `envconfig:"LATCH_TTL" default:"10m"`
	TickInterval  string        `envconfig:"TICK_INTERVAL" default:"@every 30s"`

	// ----------------------------
	// Kafka delivery events
	// ----------------------------
	KafkaBrokers string `envconfig:"KAFKA_BROKERS" default:""`
	KafkaTopic   string `envconfig:"KAFKA_TOPIC_EVENTS" default:"delivery-events"`
	KafkaGroupID string `envconfig:"KAFKA_GROUP_ID" default:"pulsecampaign-tracker"`

	// ----------------------------
	// Draft storage
	// ----------------------------
	S3Bucket    string `envconfig:"S3_BUCKET" default:""`
	S3Endpoint  string `envconfig:"S3_ENDPOINT" default:""`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY_ID" default:""`
	S3SecretKey string `envconfig:"S3_SECRET_ACCESS_KEY" default:""`
	S3Prefix    string `envconfig:"S3_PREFIX" default:""`

	// ----------------------------
	// AI generation
	// ----------------------------
	AIBaseURL string `envconfig:"AI_BASE_URL" default:"https://api.groq.com/openai/v1"`
	AIAPIKey  string `envconfig:"AI_API_KEY" default:""`
	AIModel   string `envconfig:"AI_MODEL" default:"llama-3.1-8b-instant"`
}

func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	var cfg Config
	err := envconfig.Process("", &cfg)
	return &cfg, err
}

func (c *Config) Brokers() []string {
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
