package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/askhive/metering/pkg/config"
	"github.com/askhive/metering/pkg/events"
	"github.com/askhive/metering/pkg/notifications"
	"github.com/askhive/metering/pkg/observability"
	"github.com/askhive/metering/pkg/plans"
	"github.com/askhive/metering/pkg/scheduler"
	"github.com/askhive/metering/pkg/storage"
	"github.com/askhive/metering/pkg/subscriptions"
	"github.com/askhive/metering/pkg/usage"
)

var runOnce = flag.String("run-once", "", "Run the named job once and exit (for testing)")

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	db, err := storage.OpenPostgres(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer db.Close()

	redisClient, err := storage.NewRedisClient(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	planStore := plans.NewPostgresStore(db)
	catalog := plans.NewCachedCatalog(planStore, 128, 0)
	subStore := subscriptions.NewPostgresStore(db)
	usageStore := usage.NewPostgresStore(db)

	publisher := events.NewStreamPublisher(redisClient)
	subService := subscriptions.NewService(subStore, catalog, usageStore, publisher, subscriptions.Config{
		TrialPeriod:     cfg.Billing.TrialPeriod,
		DefaultPlanName: cfg.Billing.DefaultPlanName,
	}, logger)

	dispatcher := notifications.NewDispatcher(notifications.NewPostgresLog(db), redisClient, notifications.Config{
		Cooldown: cfg.Billing.NotificationCooldown,
	}, metrics, logger)

	jobs := scheduler.NewJobs(subService, subStore, usageStore, dispatcher, scheduler.JobsConfig{
		ExpiringSoonWindow: cfg.Billing.ExpiringSoonWindow,
		GracePeriod:        cfg.Billing.GracePeriod,
	}, logger)

	locks := scheduler.NewLockManager(redisClient, logger)
	runner := scheduler.NewRunner(locks, scheduler.RunnerConfig{
		LeaseTTL:   cfg.Jobs.LeaseTTL,
		JobTimeout: cfg.Jobs.JobTimeout,
	}, metrics, logger)

	// Run once mode (for testing or manual backfills)
	if *runOnce != "" {
		for _, job := range jobs.All() {
			if job.Name != *runOnce {
				continue
			}
			if err := runner.RunJob(context.Background(), job); err != nil {
				log.Fatalf("Job %s failed: %v", job.Name, err)
			}
			logger.WithField("job", job.Name).Info("Job completed")
			return
		}
		log.Fatalf("Unknown job: %s", *runOnce)
	}

	c := cron.New()
	if err := runner.Schedule(c, jobs.All()); err != nil {
		log.Fatalf("Failed to schedule jobs: %v", err)
	}

	c.Start()
	logger.Info("Metering scheduler started")
	for _, job := range jobs.All() {
		logger.WithFields(map[string]interface{}{
			"job":      job.Name,
			"schedule": job.Spec,
		}).Info("Job scheduled")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully")
	<-c.Stop().Done()
	logger.Info("Scheduler stopped")
}
