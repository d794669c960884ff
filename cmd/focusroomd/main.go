package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"focus-room-backend/config"
	"focus-room-backend/internal/api"
	"focus-room-backend/internal/assignment"
	"focus-room-backend/internal/db"
	"focus-room-backend/internal/feed"
	"focus-room-backend/internal/lease"
	"focus-room-backend/internal/logging"
	"focus-room-backend/internal/notification"
	"focus-room-backend/internal/store"
	"focus-room-backend/internal/stream"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration from %s: %v\n", configPath, err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	zap.S().Infof("Configuration loaded from %s", configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The broker is installed as a gorm plugin so every committed write
	// reaches the stream sessions and the push relay.
	broker := feed.NewBroker(cfg.Stream.BufferSize)
	gormDB, err := db.Init(&cfg.Database, broker)
	if err != nil {
		zap.S().Fatalf("Failed to initialize database: %v", err)
	}
	zap.S().Info("Database initialized")

	appStore := store.NewGormStore(gormDB)
	scheduler := lease.NewScheduler(appStore, broker, cfg.Lease.SweepInterval)
	hub := stream.NewHub(ctx, appStore, broker, stream.NewRegistry(), scheduler, stream.Options{
		RoomID:        cfg.Room.ID,
		Heartbeat:     cfg.Stream.Heartbeat,
		RetryBase:     config.Millis(cfg.Stream.RetryBaseMillis),
		RetryMax:      config.Millis(cfg.Stream.RetryMaxMillis),
		RetryJitter:   float64(cfg.Stream.RetryJitterPercent) / 100,
		RetryAttempts: cfg.Stream.RetryMaxAttempts,
	})

	var ack assignment.Acknowledger = assignment.NoopAcknowledger{}
	if cfg.Ack.URL != "" {
		ack = assignment.NewWebhookAcknowledger(cfg.Ack.URL, time.Duration(cfg.Ack.TimeoutSeconds)*time.Second)
		zap.S().Infof("Acknowledging commands at %s", cfg.Ack.URL)
	}
	processor := assignment.NewProcessor(appStore, ack, cfg.Lease.DefaultHours)

	var webpushOptions *webpush.Options
	if cfg.Push.PublicKey != "" && cfg.Push.PrivateKey != "" {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
		wp := notification.NewWorkerPool(cfg.WorkerPool.Size, gormDB, webpushOptions)
		wp.Start(ctx)
		go wp.Relay(ctx, broker)
		zap.S().Infof("Web push relay started with %d workers", cfg.WorkerPool.Size)
	} else {
		zap.S().Warn("VAPID keys are not configured; web push is disabled")
	}

	router := api.NewRouter(api.NewHandler(api.Services{
		Store:     appStore,
		Processor: processor,
		Sweeper:   scheduler,
		Hub:       hub,
		WebPush:   webpushOptions,
		RoomID:    cfg.Room.ID,
	}), cfg.Server)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	if cfg.Server.HealthPort > 0 {
		health := healthcheck.NewHandler()
		health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
		health.AddReadinessCheck("database", func() error {
			pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
			defer pingCancel()
			return appStore.Ping(pingCtx)
		})
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Server.HealthPort)
			zap.S().Infof("Health checks listening on %s", addr)
			if err := http.ListenAndServe(addr, health); err != nil {
				zap.S().Errorf("Health check server stopped: %v", err)
			}
		}()
	}

	go func() {
		zap.S().Infof("HTTP server starting on port %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.S().Fatalf("HTTP server ListenAndServe: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	zap.S().Info("Shutdown signal received, stopping services...")

	// Ending the feed closes every open stream before the server waits on them.
	cancel()
	broker.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zap.S().Errorf("HTTP server Shutdown: %v", err)
	}

	zap.S().Info("Server gracefully stopped")
}
