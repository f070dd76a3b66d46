package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/you/fibermap/internal/blob"
	"github.com/you/fibermap/internal/breaker"
	"github.com/you/fibermap/internal/config"
	"github.com/you/fibermap/internal/domain"
	"github.com/you/fibermap/internal/extract"
	"github.com/you/fibermap/internal/handler"
	"github.com/you/fibermap/internal/ops"
	"github.com/you/fibermap/internal/queue"
	"github.com/you/fibermap/internal/storage"
)

const extractorBreakerName = "vision-extraction-api"

func main() {
	cfg := config.Load()
	log := newLogger(cfg)
	defer log.Sync() //nolint:errcheck

	log.Info("worker_starting",
		zap.String("worker", cfg.WorkerName),
		zap.String("env", cfg.AppEnv),
		zap.Int("max_concurrent_jobs", cfg.MaxConcurrentJobs))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := r.NewClient(&r.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis_unreachable", zap.Error(err))
	}

	if err := storage.Migrate(cfg.PostgresDSN); err != nil {
		log.Fatal("migrations_failed", zap.Error(err))
	}
	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("postgres_unreachable", zap.Error(err))
	}
	defer db.Close()

	blobs, err := blob.NewMinio(blob.MinioConfig{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		UseSSL:    cfg.S3UseSSL,
	})
	if err != nil {
		log.Fatal("object_storage_init_failed", zap.Error(err))
	}

	store := queue.New(rdb, log)
	pgStore := storage.New(db)
	publisher := queue.NewPublisher(store, log)

	breakers := breaker.NewRegistry()
	extractorBreaker := breakers.Get(
		extractorBreakerName,
		cfg.CircuitBreakerFailures,
		time.Duration(cfg.CircuitBreakerRecoverySeconds)*time.Second,
	)

	extractor := extract.NewClient(cfg.ExtractorURL, cfg.ExtractorAPIKey, log)
	callbacks := handler.NewCallbackClient(cfg.APICallbackToken, log)

	mapProc := handler.NewMapProcessor(pgStore, blobs, extractor, extractorBreaker, callbacks,
		handler.MapProcessorConfig{
			JobTimeout: time.Duration(cfg.JobTimeoutSeconds) * time.Second,
		}, log)
	jobCreation := handler.NewJobCreation(pgStore, log)
	notification := handler.NewNotification(pgStore, callbacks, notificationURL(cfg), log)

	consumer := queue.NewConsumer(store, queue.ConsumerConfig{
		Queues: []string{
			domain.QueueMapProcessing,
			domain.QueueMapReprocess,
			domain.QueueJobCreation,
			domain.QueueNotifications,
		},
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		MaxRetries:        cfg.MaxRetries,
		RetryDelay:        time.Duration(cfg.RetryDelaySeconds) * time.Second,
	}, log)
	consumer.Register(domain.TypeMapProcessing, mapProc.HandleMapProcessing)
	consumer.Register(domain.TypeMapReprocess, mapProc.HandleMapReprocess)
	consumer.Register(domain.TypeJobCreation, jobCreation.Handle)
	consumer.Register(domain.TypeNotification, notification.Handle)

	opsSrv := &http.Server{
		Addr:    cfg.OpsAddr,
		Handler: ops.NewServer(publisher, store, pgStore, breakers, consumer, log).Router(),
	}
	go func() {
		log.Info("ops_listening", zap.String("addr", cfg.OpsAddr))
		if err := opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("ops_server_failed", zap.Error(err))
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	// Stop closes the poll loop immediately, so Run returns while Stop is
	// still waiting on in-flight jobs. Main must block on shutdownDone, not
	// on Run, or it would tear down clients under running handlers.
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		sig := <-sigs
		log.Info("shutdown_signal", zap.String("signal", sig.String()))
		go func() {
			// a second signal forces immediate exit, accepting job loss
			sig := <-sigs
			log.Error("forced_shutdown", zap.String("signal", sig.String()))
			cancel()
		}()
		if !consumer.Stop(true, 30*time.Second) {
			log.Error("shutdown_abandoned_jobs")
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = opsSrv.Shutdown(shutdownCtx)
		cancel()
	}()

	consumer.Run(ctx)
	<-shutdownDone
	rdb.Close()
	log.Info("worker_stopped")
}

func notificationURL(cfg config.Config) string {
	if cfg.APIBaseURL == "" {
		return ""
	}
	return cfg.APIBaseURL + "/v1/notifications/deliver"
}

func newLogger(cfg config.Config) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	var zc zap.Config
	if cfg.AppEnv == "development" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	log, err := zc.Build()
	if err != nil {
		panic(err)
	}
	return log.With(zap.String("worker", cfg.WorkerName))
}
