package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/ignite/automation-engine/internal/automation"
	"github.com/ignite/automation-engine/internal/config"
	"github.com/ignite/automation-engine/internal/dispatch"
	"github.com/ignite/automation-engine/internal/pkg/distlock"
	"github.com/ignite/automation-engine/internal/pkg/logger"
	"github.com/ignite/automation-engine/internal/repository/postgres"
	"github.com/ignite/automation-engine/internal/service/suppression"
	"github.com/ignite/automation-engine/internal/tracking"
	"github.com/ignite/automation-engine/internal/worker"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		logger.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetRedactPII(cfg.Logging.Redact())
	logger.Info("starting engine worker", "dispatch_provider", cfg.Dispatch.Provider,
		"tick", cfg.Automation.TickInterval().String(), "batch_size", cfg.Automation.BatchSize)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := suppression.OpenRedis(ctx, cfg.Redis.URL)
	if err != nil {
		// the cache is optional; Postgres stays authoritative
		logger.Warn("redis unavailable, suppression cache disabled", "error", err)
	}
	var suppressionOpts []suppression.Option
	if rdb != nil {
		defer rdb.Close()
		suppressionOpts = append(suppressionOpts, suppression.WithCache(suppression.NewCache(rdb, cfg.Redis.SuppressionTTL())))
	}

	automations := postgres.NewAutomationRepo(db)
	enrollments := postgres.NewEnrollmentRepo(db)
	dispatches := postgres.NewDispatchRepo(db)
	events := postgres.NewEngagementRepo(db)
	directory := postgres.NewDirectoryRepo(db)
	gate := suppression.NewService(postgres.NewSuppressionRepo(db), suppressionOpts...)
	messageIDs := dispatch.NewMessageIDFormatFromConfig(cfg.Dispatch)

	adapter, err := dispatch.NewFromConfig(ctx, cfg.Dispatch)
	if err != nil {
		logger.Error("dispatch adapter", "error", err)
		os.Exit(1)
	}

	var scheduler *worker.Scheduler
	if cfg.Automation.Enabled {
		scheduler = worker.NewScheduler(worker.Deps{
			Enrollments: enrollments,
			Graphs:      automation.NewGraphCache(automations, cfg.Automation.GraphCacheTTL()),
			Conditions:  automation.NewConditionEvaluator(events),
			Suppression: gate,
			Dispatches:  dispatches,
			Adapter:     adapter,
			MessageIDs:  messageIDs,
			Registry:    postgres.NewWorkerRegistry(db),
		}, worker.Options{
			TickInterval:    cfg.Automation.TickInterval(),
			BatchSize:       cfg.Automation.BatchSize,
			ClaimLease:      cfg.Automation.ClaimLease(),
			MaxSteps:        cfg.Automation.MaxStepsPerTick,
			DispatchTimeout: cfg.Dispatch.Timeout(),
			TrackingBaseURL: cfg.Tracking.BaseURL,
			Retry: automation.RetryPolicy{
				MaxAttempts: cfg.Dispatch.MaxAttempts,
				BaseBackoff: cfg.Dispatch.BaseBackoff(),
				MaxBackoff:  cfg.Dispatch.MaxBackoff(),
			},
		})
		scheduler.Start()
	} else {
		logger.Warn("automation.enabled is false; scheduler not started")
	}

	// Engagement events published by the API are ingested here.
	var consumer *tracking.Consumer
	if cfg.Tracking.QueueURL != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Tracking.QueueRegion))
		if err != nil {
			logger.Error("aws config for engagement queue", "error", err)
			os.Exit(1)
		}
		correlator := tracking.NewCorrelator(dispatches, directory, events, gate, messageIDs)
		consumer = tracking.NewConsumer(sqs.NewFromConfig(awsCfg), cfg.Tracking.QueueURL, correlator)
		consumer.Start(ctx)
	}

	retention := worker.NewRetentionWorker(db)
	retention.SetLock(distlock.New(rdb, db, "retention", 30*time.Minute))
	go retention.Start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutting down engine worker", "signal", sig.String())

	if scheduler != nil {
		scheduler.Stop()
		st := scheduler.Stats()
		logger.Info("scheduler stopped", "processed", st.Processed, "dispatched", st.Dispatched, "errors", st.Errors)
	}
	if consumer != nil {
		consumer.Stop()
	}
	cancel()
	time.Sleep(500 * time.Millisecond)
	logger.Info("engine worker stopped")
}
