package config

import (
	"log"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	WorkerName  string `env:"WORKER_NAME" envDefault:"map-worker-01"`
	AppEnv      string `env:"APP_ENV" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	OpsAddr     string `env:"OPS_ADDR" envDefault:":8091"`
	PostgresDSN string `env:"POSTGRES_DSN,notEmpty"`

	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	// Object storage (S3/MinIO) holding uploaded map files.
	S3Endpoint  string `env:"S3_ENDPOINT" envDefault:"localhost:9000"`
	S3AccessKey string `env:"S3_ACCESS_KEY,notEmpty"`
	S3SecretKey string `env:"S3_SECRET_KEY,notEmpty"`
	S3Bucket    string `env:"S3_BUCKET" envDefault:"fiber-maps"`
	S3Region    string `env:"S3_REGION" envDefault:"us-east-1"`
	S3UseSSL    bool   `env:"S3_USE_SSL" envDefault:"false"`

	// Vision extraction service.
	ExtractorURL    string `env:"EXTRACTOR_URL,notEmpty"`
	ExtractorAPIKey string `env:"EXTRACTOR_API_KEY,notEmpty"`

	// Completion callbacks back to the API.
	APIBaseURL       string `env:"API_BASE_URL"`
	APICallbackToken string `env:"API_CALLBACK_TOKEN"`

	MaxConcurrentJobs int `env:"MAX_CONCURRENT_JOBS" envDefault:"3"`
	JobTimeoutSeconds int `env:"JOB_TIMEOUT_SECONDS" envDefault:"300"`
	MaxRetries        int `env:"MAX_RETRIES" envDefault:"3"`
	RetryDelaySeconds int `env:"RETRY_DELAY_SECONDS" envDefault:"5"`

	CircuitBreakerFailures        int `env:"CIRCUIT_BREAKER_FAILURES" envDefault:"5"`
	CircuitBreakerRecoverySeconds int `env:"CIRCUIT_BREAKER_RECOVERY_SECONDS" envDefault:"60"`
}

func Load() Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		log.Fatal(err)
	}
	return c
}
