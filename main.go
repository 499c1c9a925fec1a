package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quote-backfill-service/internal/cache"
	"quote-backfill-service/internal/config"
	"quote-backfill-service/internal/database"
	"quote-backfill-service/internal/handlers"
	"quote-backfill-service/internal/logger"
	"quote-backfill-service/internal/messaging"
	"quote-backfill-service/internal/services"
	"quote-backfill-service/internal/store"
	"quote-backfill-service/internal/upstream"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLogger, logHook, err := logger.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	if err := run(ctx, cfg, appLogger, logHook); err != nil {
		appLogger.WithError(err).Fatal("Service stopped with error")
	}
}

func run(ctx context.Context, cfg *config.Config, appLogger *logrus.Logger, logHook *logger.MemoryHook) error {
	if cfg.Server.GinMode != "" {
		gin.SetMode(cfg.Server.GinMode)
	}

	// Quote store
	db, err := database.Initialize(ctx, cfg.Database, appLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()
	quoteStore := store.NewQuoteStore(db, cfg.Backfill.InsertBatchSize)

	resolver := services.NewTickerResolver(quoteStore, appLogger)
	checker := services.NewAvailabilityChecker(resolver, quoteStore, cfg.Backfill.AvailabilityChunkSize, appLogger)

	settings := cfg.Settings()
	client := upstream.NewClient(cfg.Upstream, appLogger)
	settings.Subscribe(func(old, updated config.RuntimeSettings) {
		if old.BaseURL != updated.BaseURL {
			client.SetBaseURL(updated.BaseURL)
			appLogger.WithField("base_url", updated.BaseURL).Info("Upstream endpoint changed")
		}
	})

	policy := services.RetryPolicy{MaxAttempts: cfg.Upstream.RetryAttempts, Delay: cfg.Upstream.RetryDelay}
	worker := services.NewFetchWorker(client, quoteStore, resolver, policy, appLogger)

	// Optional metadata database
	if cfg.MetaDB.Enabled() {
		metadata, err := store.NewMetadataStore(ctx, cfg.MetaDB.ConnectionString())
		if err != nil {
			appLogger.WithError(err).Warn("Metadata database unavailable, continuing with quote store only")
		} else {
			defer metadata.Close()
			checker.WithMetadata(metadata)
			worker.WithMetadata(metadata)
			appLogger.Info("Metadata database connected")
		}
	}

	notifiers := services.MultiNotifier{}

	// Optional Redis cache
	if cfg.Redis.URL != "" {
		redisCache, err := cache.NewRedisCache(ctx, cfg.Redis.URL, cfg.Redis.TickerTTL, cfg.Redis.StatsTTL)
		if err != nil {
			appLogger.WithError(err).Warn("Failed to connect to Redis, continuing without cache")
		} else {
			defer redisCache.Close()
			resolver.WithCache(redisCache)
			notifiers = append(notifiers, services.NewLastRunNotifier(redisCache, appLogger))
		}
	}

	// Optional NATS publisher
	var publisher *messaging.Publisher
	if cfg.NATS.URL != "" {
		publisher, err = messaging.NewPublisher(cfg.NATS, appLogger)
		if err != nil {
			appLogger.WithError(err).Warn("Failed to connect to NATS, run events will not be published")
			publisher = nil
		} else {
			defer publisher.Close()
			notifiers = append(notifiers, services.NewPublishNotifier(publisher, appLogger))
		}
	}

	coordinator := services.NewCoordinator(checker, worker, resolver, cfg.Calendar(), appLogger)

	source, err := services.NewTickerSource(cfg.Backfill, quoteStore, appLogger)
	if err != nil {
		return fmt.Errorf("failed to configure ticker source: %w", err)
	}

	scheduler := services.NewScheduler(coordinator, source, settings, appLogger)

	eventsHandler := handlers.NewEventsHandler(scheduler, appLogger)
	notifiers = append(notifiers, eventsHandler)
	coordinator.WithNotifier(notifiers)

	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer scheduler.Stop(cfg.Server.ShutdownTimeout)

	backfillHandler := handlers.NewBackfillHandler(coordinator, source, settings, scheduler, appLogger)
	systemHandler := handlers.NewSystemHandler(db, scheduler, logHook)
	if publisher != nil {
		systemHandler.WithMessaging(publisher)
	}

	// Initialize router
	r := gin.New()
	r.Use(gin.Recovery())

	// CORS middleware
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))

	r.GET("/health", systemHandler.Health)
	r.GET("/help", systemHandler.Help)
	r.GET("/logs", systemHandler.Logs)

	// WebSocket endpoint
	r.GET("/ws", eventsHandler.HandleWebSocket)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		v1.GET("/status", backfillHandler.GetStatus)
		v1.POST("/process-ticker", backfillHandler.ProcessTicker)
		v1.POST("/process-all", backfillHandler.ProcessAll)
		v1.GET("/config", backfillHandler.GetConfig)
		v1.POST("/config", backfillHandler.UpdateConfig)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go touchHealthcheck(ctx, cfg.Server.HealthcheckFile, cfg.Server.HealthcheckInterval, appLogger)

	serverErr := make(chan error, 1)
	go func() {
		appLogger.WithFields(logrus.Fields{
			"port":          cfg.Server.Port,
			"ticker_source": source.Name(),
			"lookback":      settings.Snapshot().Lookback,
		}).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		appLogger.Info("Shutting down gracefully...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Warn("HTTP server shutdown incomplete")
	}
	return nil
}

// touchHealthcheck updates the healthcheck file's mtime for container probes
func touchHealthcheck(ctx context.Context, path string, interval time.Duration, log logrus.FieldLogger) {
	if path == "" || interval <= 0 {
		return
	}

	touch := func() {
		now := time.Now()
		if err := os.Chtimes(path, now, now); err != nil {
			if err := os.WriteFile(path, []byte(now.Format(time.RFC3339)), 0o644); err != nil {
				log.WithError(err).Warn("Failed to update healthcheck file")
			}
		}
	}

	touch()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			os.Remove(path)
			return
		case <-ticker.C:
			touch()
		}
	}
}
