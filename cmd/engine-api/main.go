package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/ignite/automation-engine/internal/api"
	"github.com/ignite/automation-engine/internal/automation"
	"github.com/ignite/automation-engine/internal/config"
	"github.com/ignite/automation-engine/internal/dispatch"
	"github.com/ignite/automation-engine/internal/pkg/logger"
	"github.com/ignite/automation-engine/internal/repository/postgres"
	"github.com/ignite/automation-engine/internal/service/suppression"
	"github.com/ignite/automation-engine/internal/tracking"
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

	ctx := context.Background()
	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := suppression.OpenRedis(ctx, cfg.Redis.URL)
	if err != nil {
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

	graphs := automation.NewGraphCache(automations, cfg.Automation.GraphCacheTTL())
	control := automation.NewService(automations, enrollments, directory, graphs)

	correlator := tracking.NewCorrelator(dispatches, directory, events, gate,
		dispatch.NewMessageIDFormatFromConfig(cfg.Dispatch))

	// With a queue configured the webhook only enqueues; the worker ingests.
	var sink tracking.Sink = correlator
	if cfg.Tracking.QueueURL != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Tracking.QueueRegion))
		if err != nil {
			logger.Error("aws config for engagement queue", "error", err)
			os.Exit(1)
		}
		sink = tracking.NewPublisher(sqs.NewFromConfig(awsCfg), cfg.Tracking.QueueURL)
		logger.Info("engagement webhooks publish to queue", "queue", cfg.Tracking.QueueURL)
	}

	server := api.NewServer(cfg.Server, api.NewHandlers(control, automations), api.RouterOptions{
		Owners:   api.NewOwnerResolver(),
		Health:   api.NewHealthChecker(db, rdb),
		Tracking: tracking.NewHandler(sink, correlator, cfg.Tracking.WebhookToken),
	})

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", "error", err)
			os.Exit(1)
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	<-done
	logger.Info("shutting down api")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown", "error", err)
	}
	logger.Info("api stopped")
}
