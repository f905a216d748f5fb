package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/askhive/metering/pkg/config"
	"github.com/askhive/metering/pkg/entitlement"
	"github.com/askhive/metering/pkg/events"
	"github.com/askhive/metering/pkg/notifications"
	"github.com/askhive/metering/pkg/observability"
	"github.com/askhive/metering/pkg/payments"
	"github.com/askhive/metering/pkg/plans"
	"github.com/askhive/metering/pkg/storage"
	"github.com/askhive/metering/pkg/subscriptions"
	"github.com/askhive/metering/pkg/usage"
)

const (
	planCacheSize = 128
	planCacheTTL  = 30 * time.Second
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	db, err := storage.OpenPostgres(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}

	redisClient, err := storage.NewRedisClient(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}

	// Stores
	planStore := plans.NewPostgresStore(db)
	catalog := plans.NewCachedCatalog(planStore, planCacheSize, planCacheTTL)
	subStore := subscriptions.NewPostgresStore(db)
	usageStore := usage.NewPostgresStore(db)
	paymentStore := payments.NewPostgresStore(db)
	notificationLog := notifications.NewPostgresLog(db)

	// Services
	publisher := events.NewStreamPublisher(redisClient)
	subService := subscriptions.NewService(subStore, catalog, usageStore, publisher, subscriptions.Config{
		TrialPeriod:     cfg.Billing.TrialPeriod,
		DefaultPlanName: cfg.Billing.DefaultPlanName,
	}, logger)

	entitlementService := entitlement.NewService(subService, usageStore, catalog, entitlement.Config{
		GracePeriod:  cfg.Billing.GracePeriod,
		CheckTimeout: cfg.Billing.EntitlementTimeout,
	}, metrics, logger)

	provider := payments.NewHTTPProvider(cfg.Payments.ProviderBaseURL, cfg.Payments.ProviderAPIKey,
		10*time.Second, payments.DefaultRetryConfig(), metrics, logger)
	paymentService := payments.NewService(paymentStore, provider, subService, catalog, payments.Config{
		WebhookSecret: cfg.Payments.WebhookSecret,
		Currency:      cfg.Payments.Currency,
	}, metrics, logger)

	dispatcher := notifications.NewDispatcher(notificationLog, redisClient, notifications.Config{
		Cooldown: cfg.Billing.NotificationCooldown,
	}, metrics, logger)

	// Event consumers
	consumerCtx, stopConsumers := context.WithCancel(context.Background())

	usageHandler := events.NewUsageEventHandler(usageStore, subService, catalog, dispatcher, metrics, logger)
	usageConsumer := events.NewConsumer(redisClient, events.ConsumerConfig{
		Stream:        events.StreamUsage,
		Group:         cfg.Events.ConsumerGroup,
		Name:          cfg.Events.ConsumerName,
		MaxDeliveries: cfg.Events.MaxDeliveries,
		BatchSize:     int64(cfg.Events.BatchSize),
	}, usageHandler.Handle, metrics, logger)

	userHandler := events.NewUserCreatedHandler(subService, logger)
	userConsumer := events.NewConsumer(redisClient, events.ConsumerConfig{
		Stream:        events.StreamUserCreated,
		Group:         cfg.Events.ConsumerGroup,
		Name:          cfg.Events.ConsumerName,
		MaxDeliveries: cfg.Events.MaxDeliveries,
		BatchSize:     int64(cfg.Events.BatchSize),
	}, userHandler.Handle, metrics, logger)

	consumers, consumerGroupCtx := errgroup.WithContext(consumerCtx)
	for _, consumer := range []*events.Consumer{usageConsumer, userConsumer} {
		if err := consumer.EnsureGroup(consumerCtx); err != nil {
			log.Fatalf("Failed to create consumer group: %v", err)
		}
		c := consumer
		consumers.Go(func() error {
			if err := c.Run(consumerGroupCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Error("Event consumer stopped")
				return err
			}
			return nil
		})
	}

	// HTTP API
	router := mux.NewRouter()
	router.Use(observability.HTTPMetricsMiddleware(metrics))

	plans.NewHandlers(planStore, catalog).RegisterRoutes(router)
	subscriptions.NewHandlers(subService, logger).RegisterRoutes(router)
	entitlement.NewHandlers(entitlementService, logger).RegisterRoutes(router)
	payments.NewHandlers(paymentService, logger).RegisterRoutes(router)

	health := observability.NewHealthChecker(db, redisClient.Client())
	router.HandleFunc("/health", health.Liveness).Methods(http.MethodGet)
	router.HandleFunc("/ready", health.Readiness).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler(registry)).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		stopConsumers()
		return consumers.Wait()
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return db.Close()
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return redisClient.Close()
	})

	go func() {
		logger.WithField("addr", server.Addr).Info("Metering API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	if err := shutdown.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("Shutdown finished with errors")
		os.Exit(1)
	}
}
