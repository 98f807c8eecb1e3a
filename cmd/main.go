/**
 * @description
 * This is the main entry point for the credit-service. It initializes the
 * configuration, database connection pool, Redis job lock, RabbitMQ event
 * producer, the application services, the cron scheduler, and the HTTP
 * server, then runs until a termination signal arrives.
 *
 * Missed weekly resets are recovered at startup, before the scheduler takes
 * over, so a process that was down across a reset boundary catches up first.
 */
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/lexiform/credit-service/internal/api"
	"github.com/lexiform/credit-service/internal/app"
	"github.com/lexiform/credit-service/internal/config"
	"github.com/lexiform/credit-service/internal/store"
	"github.com/lexiform/credit-service/pkg/rabbitmq"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// Load application configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// Establish database connection with connection pool configuration
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	// RabbitMQ producer with a no-op fallback so the ledger keeps working
	// when the broker is down at startup.
	var producer rabbitmq.Publisher
	if cfg.RabbitMQURL != "" {
		p, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
		if err != nil {
			logger.Warn("rabbitmq unavailable; notifications disabled", "error", err)
			producer = &rabbitmq.EventProducerFallback{}
		} else {
			producer = p
		}
	} else {
		producer = &rabbitmq.EventProducerFallback{}
	}
	defer producer.Close()

	// Redis-backed job lock when configured; single-process deployments run
	// without one and rely on the per-period idempotency guards alone.
	var locker app.JobLocker = app.NoopJobLock{}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("unable to parse redis URL", "error", err)
			os.Exit(1)
		}
		redisClient := redis.NewClient(opts)
		defer redisClient.Close()
		locker = app.NewRedisJobLock(redisClient, time.Duration(cfg.JobLockTTLSeconds)*time.Second, logger)
	}

	// Initialize dependencies
	repository := store.NewPostgresRepository(dbpool)
	ledger := app.NewService(repository, producer, logger, cfg)
	referrals := app.NewReferralService(repository, ledger, producer, logger, cfg)
	jobs := app.NewJobs(repository, referrals, locker, logger, cfg)
	scheduler := app.NewScheduler(jobs, logger, cfg)

	// Recover any reset boundary crossed while the process was down.
	if count, err := jobs.CheckAndPerformMissedResets(ctx); err != nil {
		logger.Error("missed reset recovery failed", "error", err)
	} else if count > 0 {
		logger.Info("recovered missed resets", "count", count)
	}

	// Start the cron scheduler in the background
	scheduler.Start()
	logger.Info("scheduler started")

	// Start the HTTP server
	handlers := api.NewCreditHandlers(ledger, referrals, jobs, logger)
	router := api.CreditRoutes(handlers, cfg.InternalAPIKey)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router,
	}

	go func() {
		logger.Info("starting server", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for termination signal to gracefully shut down
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	stopCtx := scheduler.Stop()
	<-stopCtx.Done() // Wait for in-flight jobs to finish
	logger.Info("scheduler stopped gracefully")
}
