package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/exchange1c/internal/api"
	"github.com/timmy/exchange1c/internal/config"
	"github.com/timmy/exchange1c/internal/exchange"
	"github.com/timmy/exchange1c/internal/filelock"
	"github.com/timmy/exchange1c/internal/logger"
	"github.com/timmy/exchange1c/internal/queue"
	"github.com/timmy/exchange1c/internal/ratelimit"
	"github.com/timmy/exchange1c/internal/repository"
	"github.com/timmy/exchange1c/internal/service"
)

func main() {
	// Initialize logger first (with defaults from environment)
	appLogger := logger.NewDefault()
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Load configuration
	// Support CONFIG_PATH environment variable for production deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	ctx := context.Background()

	// Initialize database
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}

	// Initialize Redis (protocol sessions, task queue, rate limiting)
	redisClient, err := queue.NewClient(ctx, &cfg.Redis)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize Redis")
	}
	defer redisClient.Close()

	// Initialize repositories
	userRepo := repository.NewUserRepository(db)
	orderRepo := repository.NewOrderRepository(db)
	importRepo := repository.NewImportSessionRepository(db)

	// Initialize services
	jobQueue := queue.NewRedisQueue(redisClient, cfg.Redis.KeyPrefix, cfg.Worker.Visibility)
	sessionStore := service.NewExchangeSessionStore(importRepo, jobQueue, service.SessionStoreConfig{
		StaleAfter:    cfg.Exchange.StaleSessionAfter,
		SubmitRetries: cfg.Exchange.SubmitRetries,
	})

	uploads := service.FileStreamConfig{
		BaseDir:   cfg.Exchange.UploadDir,
		FileLimit: cfg.Exchange.FileLimit,
		Lock: filelock.Options{
			Timeout:      cfg.Exchange.LockTimeout,
			PollInterval: cfg.Exchange.LockPollInterval,
		},
	}
	if err := os.MkdirAll(uploads.BaseDir, 0o755); err != nil {
		appLogger.WithError(err).Fatal("Failed to create upload directory")
	}

	exporter := service.NewOrderDocumentExporter(orderRepo, service.ExporterConfig{
		SchemaVersion: cfg.Exchange.SaleVersion,
		Location:      cfg.Exchange.Location(),
		BatchSize:     cfg.Exchange.ExportBatchSize,
		SiteName:      cfg.Exchange.SiteName,
	})
	reconciler := service.NewOrderStatusReconciler(orderRepo, service.ReconcilerConfig{
		MaxBytes:     cfg.Exchange.OrdersMaxBytes,
		MaxDocuments: cfg.Exchange.OrdersMaxDocuments,
		MaxAge:       cfg.Exchange.DocumentMaxAge,
		ErrorLimit:   cfg.Exchange.ErrorLimit,
		Location:     cfg.Exchange.Location(),
	})

	deps := exchange.Dependencies{
		Users:      userRepo,
		Sessions:   exchange.NewRedisSessionStore(redisClient, cfg.Redis.KeyPrefix+":", cfg.Exchange.SessionTTL, cfg.Exchange.QueryLedgerTTL),
		Imports:    sessionStore,
		Exporter:   exporter,
		Orders:     orderRepo,
		Reconciler: reconciler,
	}
	if cfg.RateLimit.Enabled {
		deps.Limiter = ratelimit.NewTokenBucket(redisClient, cfg.Redis.KeyPrefix+":ratelimit:",
			cfg.RateLimit.Capacity, cfg.RateLimit.RefillPerSecond, cfg.RateLimit.TTL)
	}
	protocol := exchange.NewProtocol(exchange.Config{
		Files:          uploads,
		Zip:            cfg.Exchange.Zip,
		CatalogVersion: cfg.Exchange.CatalogVersion,
		SaleVersion:    cfg.Exchange.SaleVersion,
		CookieName:     cfg.Exchange.CookieName,
		OrdersFilename: cfg.Exchange.OrdersFilename,
		ChunkSize:      cfg.Exchange.ChunkSize,
	}, deps)

	// Setup router
	router := api.SetupRouter(api.RouterDeps{
		DB:       db,
		Redis:    redisClient,
		Protocol: protocol,
		Sessions: sessionStore,
		Users:    userRepo,
		Uploads:  uploads,
	}, cfg.Server.Mode)

	// Create HTTP server
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in goroutine
	go func() {
		appLogger.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Fatal("Server forced to shutdown")
	}

	appLogger.Info("Server exited")
}
