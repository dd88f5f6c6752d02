package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/automation-engine/internal/api"
	"github.com/ignite/automation-engine/internal/automation"
	"github.com/ignite/automation-engine/internal/config"
	"github.com/ignite/automation-engine/internal/dispatch"
	"github.com/ignite/automation-engine/internal/domain"
	"github.com/ignite/automation-engine/internal/pkg/logger"
	"github.com/ignite/automation-engine/internal/repository/memory"
	"github.com/ignite/automation-engine/internal/service/suppression"
	"github.com/ignite/automation-engine/internal/tracking"
	"github.com/ignite/automation-engine/internal/worker"
)

// demoGraph is seeded as automation "demo" for owner "demo-owner".
const demoGraph = `[
  {"id": "start", "type": "trigger", "next": "welcome"},
  {"id": "welcome", "type": "send_email", "next": "wait", "config": {"template_ref": "welcome"}},
  {"id": "wait", "type": "delay", "next": "opened", "config": {"duration": "2m"}},
  {"id": "opened", "type": "condition", "next": "done", "config": {
    "signal_types": ["open", "click"], "window_duration": "5m",
    "branches": {"yes": ["followup"], "no": ["re_engage"]}
  }},
  {"id": "followup", "type": "send_email", "config": {"template_ref": "followup"}},
  {"id": "re_engage", "type": "send_email", "config": {"template_ref": "re_engage"}},
  {"id": "done", "type": "end"}
]`

// In-memory engine for local testing: control API, tracking routes and a
// scheduler ticking every few seconds against the log adapter. Nothing is
// persisted and no email leaves the process.
func main() {
	logger.Warn("STUB API: in-memory store, log dispatch adapter, state is lost on exit")
	logger.SetLevel(logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	store := memory.NewStore()
	store.PutAutomation(domain.Automation{
		ID: "demo", OwnerID: "demo-owner", Name: "Demo welcome series",
		Graph: []byte(demoGraph), Status: domain.AutomationActive,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	})
	store.PutDomain(domain.SendingDomain{Domain: "mail.localhost", OwnerID: "demo-owner"})
	for _, r := range []domain.Recipient{
		{ID: "r1", OwnerID: "demo-owner", Address: "ada@example.com"},
		{ID: "r2", OwnerID: "demo-owner", Address: "grace@example.com"},
	} {
		store.PutRecipient(r)
	}

	graphs := automation.NewGraphCache(store, 0)
	gate := suppression.NewService(store)
	messageIDs := dispatch.NewMessageIDFormat("stub", "mail.localhost")

	scheduler := worker.NewScheduler(worker.Deps{
		Enrollments: store,
		Graphs:      graphs,
		Conditions:  automation.NewConditionEvaluator(store),
		Suppression: gate,
		Dispatches:  store,
		Adapter:     dispatch.NewLogAdapter(),
		MessageIDs:  messageIDs,
		Registry:    store,
	}, worker.Options{WorkerID: "stub-worker", TickInterval: 5 * time.Second, TrackingBaseURL: "http://localhost:8080"})
	scheduler.Start()

	correlator := tracking.NewCorrelator(store, store, store, gate, messageIDs)
	port := 8080
	server := api.NewServer(config.ServerConfig{Port: port, Host: "0.0.0.0", AllowedOrigins: []string{"*"}},
		api.NewHandlers(automation.NewService(store, store, store, graphs), store),
		api.RouterOptions{
			Owners:   api.NewOwnerResolver(),
			Health:   api.NewHealthChecker(nil, nil),
			Tracking: tracking.NewHandler(correlator, correlator, ""),
		})

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("stub server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	scheduler.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("stub shutdown", "error", err)
	}
	logger.Info("stub stopped", "dispatches", len(store.Dispatches()))
}
