/**
 * @description
 * Entry point for the settlement-service. It serves the HTTP API and billing
 * webhooks, consumes queued billing events, and runs the scheduled tasks.
 */
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/metalvault/settlement-service/internal/api"
	"github.com/metalvault/settlement-service/internal/app"
	"github.com/metalvault/settlement-service/internal/bootstrap"
	"github.com/metalvault/settlement-service/internal/config"
	"github.com/metalvault/settlement-service/internal/store"
	"github.com/metalvault/settlement-service/pkg/rabbitmq"
	"github.com/metalvault/settlement-service/pkg/stripeclient"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to load .env file", "error", err)
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.DBAutoMigrate {
		if err := store.MigrateUp(cfg.DatabaseURL, logger); err != nil {
			logger.Error("failed to apply database migrations", "error", err)
			os.Exit(1)
		}
	}

	services, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize services", "error", err)
		os.Exit(1)
	}
	defer services.Close()

	if err := run(ctx, services); err != nil {
		logger.Error("settlement-service stopped with error", "error", err)
		services.Close()
		os.Exit(1)
	}
	logger.Info("settlement-service stopped")
}

func run(ctx context.Context, services *bootstrap.Services) error {
	cfg := services.Config
	logger := services.Logger

	if cfg.RabbitMQURL != "" {
		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, cfg.ConsumerPrefetch, logger)
		if err != nil {
			logger.Warn("failed to start billing event consumer; queued events will be replayed from the inbox", "error", err)
		} else {
			defer consumer.Close()
			if err := consumer.ConsumeWithBindings(cfg.BillingEventExchange, cfg.BillingEventQueue, map[string]rabbitmq.Handler{
				app.RoutingKeyBillingEvent: services.Consumer.HandleMessage,
			}); err != nil {
				return fmt.Errorf("failed to bind billing event queue: %w", err)
			}
			logger.Info("billing event consumer started", "queue", cfg.BillingEventQueue)
		}
	}

	scheduler := app.NewScheduler(app.SystemClock(), services.Metrics, logger)
	for _, task := range services.Tasks() {
		if err := scheduler.Register(task); err != nil {
			return err
		}
	}

	deps := api.HandlerDeps{
		Requests: services.Requests,
		Prices:   services.Prices,
		Sweeper:  services.Reconciler,
		Intake:   services.Intake,
		Logger:   logger,
	}
	if cfg.StripeWebhookSecret != "" {
		deps.Verifier = stripeclient.NewWebhookVerifier(cfg.StripeWebhookSecret)
	} else {
		logger.Warn("STRIPE_WEBHOOK_SECRET is not set; billing webhooks will be rejected")
	}
	router := api.NewRouter(api.NewHandler(deps), api.RouterConfig{
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.AllowedOrigins(),
		Metrics:        services.Metrics,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting server", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		scheduler.Start(gctx)
		logger.Info("scheduler started")
		<-gctx.Done()

		logger.Info("shutdown signal received, gracefully shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
		select {
		case <-scheduler.Stop().Done():
			logger.Info("scheduler stopped gracefully")
		case <-shutdownCtx.Done():
			logger.Warn("scheduled tasks still running at shutdown")
		}
		return nil
	})

	return g.Wait()
}
