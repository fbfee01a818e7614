package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/timmy/exchange1c/internal/config"
	"github.com/timmy/exchange1c/internal/filelock"
	"github.com/timmy/exchange1c/internal/logger"
	"github.com/timmy/exchange1c/internal/queue"
	"github.com/timmy/exchange1c/internal/repository"
	"github.com/timmy/exchange1c/internal/service"
	"github.com/timmy/exchange1c/internal/storage"
)

type bucketEnsurer interface {
	EnsureBucket(ctx context.Context) error
}

func main() {
	// Initialize logger first (with defaults)
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		ServiceName: "exchange1c-worker",
	})
	logger.SetDefaultLogger(appLogger)

	// Parse command line flags
	configPath := flag.String("config", "", "Path to config file")
	workers := flag.Int("workers", 0, "Number of workers (overrides config)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}
	if *workers > 0 {
		cfg.Worker.Workers = *workers
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}

	redisClient, err := queue.NewClient(ctx, &cfg.Redis)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize Redis")
	}
	defer redisClient.Close()

	// Initialize archive storage (optional; S3, R2, S3-compatible or local)
	archive, err := storage.NewStorage(&cfg.Storage)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize storage")
	}
	if b, ok := archive.(bucketEnsurer); ok {
		if err := b.EnsureBucket(ctx); err != nil {
			appLogger.WithError(err).Fatal("Failed to ensure storage bucket")
		}
	}
	if archive == nil {
		appLogger.Warn("Archive storage not configured, uploads are validated only")
	}

	importRepo := repository.NewImportSessionRepository(db)
	processor := service.NewImportProcessor(importRepo, service.FileStreamConfig{
		BaseDir:   cfg.Exchange.UploadDir,
		FileLimit: cfg.Exchange.FileLimit,
		Lock: filelock.Options{
			Timeout:      cfg.Exchange.LockTimeout,
			PollInterval: cfg.Exchange.LockPollInterval,
		},
	}, archive, cfg.Storage.Prefix)

	pool := service.NewImportWorkerPool(
		queue.NewRedisQueue(redisClient, cfg.Redis.KeyPrefix, cfg.Worker.Visibility),
		processor,
		importRepo,
		service.WorkerPoolConfig{
			Workers:      cfg.Worker.Workers,
			PollInterval: cfg.Worker.PollInterval,
			MaxAttempts:  cfg.Worker.MaxAttempts,
			BackoffBase:  cfg.Worker.BackoffBase,
			BackoffMax:   cfg.Worker.BackoffMax,
		},
	)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("Received shutdown signal, canceling...")
		cancel()
	}()

	stats := pool.Run(ctx)
	appLogger.WithFields(logger.Fields{
		"processed": stats.Processed,
		"completed": stats.Completed,
		"retried":   stats.Retried,
		"failed":    stats.Failed,
	}).Info("Worker exited")
}
