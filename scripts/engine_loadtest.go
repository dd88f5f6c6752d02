//go:build ignore
// +build ignore

// Engine load test: drives the scheduler against the in-memory store with
// several concurrent workers and a simulated clock, then checks that every
// enrollment step was dispatched at most once.
//
// Usage:
//
//	go run scripts/engine_loadtest.go --enrollments=50000 --workers=8
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/automation-engine/internal/automation"
	"github.com/ignite/automation-engine/internal/dispatch"
	"github.com/ignite/automation-engine/internal/domain"
	"github.com/ignite/automation-engine/internal/repository/memory"
	"github.com/ignite/automation-engine/internal/service/suppression"
	"github.com/ignite/automation-engine/internal/worker"
)

const loadGraph = `[
  {"id": "start", "type": "trigger", "next": "welcome"},
  {"id": "welcome", "type": "send_email", "next": "wait", "config": {"template_ref": "welcome"}},
  {"id": "wait", "type": "delay", "next": "opened", "config": {"duration": "1d"}},
  {"id": "opened", "type": "condition", "next": "done", "config": {
    "signal_types": ["open"], "window_duration": "24h",
    "branches": {"yes": ["followup"], "no": ["re_engage"]}
  }},
  {"id": "followup", "type": "send_email", "config": {"template_ref": "followup"}},
  {"id": "re_engage", "type": "send_email", "config": {"template_ref": "re_engage"}},
  {"id": "done", "type": "end"}
]`

type loadConfig struct {
	Enrollments int
	Workers     int
	BatchSize   int
	Suppressed  float64
}

// =============================================================================
// METRICS
// =============================================================================

type tickMetrics struct {
	mu        sync.Mutex
	latencies []time.Duration
	claims    int64
	errors    int64
}

func (m *tickMetrics) record(d time.Duration, claims int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies = append(m.latencies, d)
	m.claims += int64(claims)
	if err != nil {
		m.errors++
	}
}

func percentile(ds []time.Duration, p int) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), ds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// countingAdapter accepts every send.
type countingAdapter struct{ n atomic.Int64 }

func (a *countingAdapter) Dispatch(_ context.Context, req domain.DispatchRequest) (*domain.DispatchResult, error) {
	a.n.Add(1)
	return &domain.DispatchResult{ProviderMessageID: req.MessageID}, nil
}

func main() {
	cfg := loadConfig{}
	flag.IntVar(&cfg.Enrollments, "enrollments", 10000, "enrollments to create")
	flag.IntVar(&cfg.Workers, "workers", 4, "concurrent scheduler workers")
	flag.IntVar(&cfg.BatchSize, "batch", 500, "scheduler batch size")
	flag.Float64Var(&cfg.Suppressed, "suppressed", 0.05, "fraction of recipients suppressed")
	flag.Parse()

	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "load test failed:", err)
		os.Exit(1)
	}
}

func run(cfg loadConfig) error {
	ctx := context.Background()
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	store := memory.NewStore()
	store.PutAutomation(domain.Automation{
		ID: "load", OwnerID: "load-owner", Name: "load", Graph: []byte(loadGraph), Status: domain.AutomationActive,
	})
	graphs := automation.NewGraphCache(store, 0)
	svc := automation.NewService(store, store, store, graphs)
	svc.SetClock(func() time.Time { return start })
	gate := suppression.NewService(store)

	fmt.Printf("Enrolling %d recipients...\n", cfg.Enrollments)
	enrollStart := time.Now()
	suppressEvery := 0
	if cfg.Suppressed > 0 {
		suppressEvery = int(1 / cfg.Suppressed)
	}
	for i := 0; i < cfg.Enrollments; i++ {
		id := fmt.Sprintf("r%d", i)
		addr := fmt.Sprintf("load%d@example.com", i)
		store.PutRecipient(domain.Recipient{ID: id, OwnerID: "load-owner", Address: addr})
		if suppressEvery > 0 && i%suppressEvery == 0 {
			if err := gate.Suppress(ctx, addr, domain.SuppressionScopeAll, domain.ReasonManual); err != nil {
				return err
			}
		}
		if _, err := svc.Enroll(ctx, "load-owner", "load", id, nil); err != nil {
			return fmt.Errorf("enroll %s: %w", id, err)
		}
	}
	enrollDur := time.Since(enrollStart)
	fmt.Printf("  %d enrollments in %s (%.0f/s)\n", cfg.Enrollments, enrollDur.Round(time.Millisecond),
		float64(cfg.Enrollments)/enrollDur.Seconds())

	adapter := &countingAdapter{}
	messageIDs := dispatch.NewMessageIDFormat("load", "mail.example.com")
	schedulers := make([]*worker.Scheduler, cfg.Workers)
	for i := range schedulers {
		schedulers[i] = worker.NewScheduler(worker.Deps{
			Enrollments: store,
			Graphs:      graphs,
			Conditions:  automation.NewConditionEvaluator(store),
			Suppression: gate,
			Dispatches:  store,
			Adapter:     adapter,
			MessageIDs:  messageIDs,
		}, worker.Options{WorkerID: fmt.Sprintf("load-%d", i), BatchSize: cfg.BatchSize})
	}

	// t0 sends welcome, +1d resolves the delay, +2d passes the condition window.
	metrics := &tickMetrics{}
	runStart := time.Now()
	for _, now := range []time.Time{start, start.Add(24 * time.Hour), start.Add(48*time.Hour + time.Minute)} {
		for {
			var wg sync.WaitGroup
			var round atomic.Int64
			for _, s := range schedulers {
				wg.Add(1)
				go func(s *worker.Scheduler) {
					defer wg.Done()
					t := time.Now()
					n, err := s.RunOnce(ctx, now)
					metrics.record(time.Since(t), n, err)
					round.Add(int64(n))
				}(s)
			}
			wg.Wait()
			if round.Load() == 0 {
				break
			}
		}
	}
	runDur := time.Since(runStart)

	// at-most-once: no (enrollment, node, step) has two sent records
	seen := make(map[string]bool)
	duplicates := 0
	statuses := make(map[domain.DispatchStatus]int)
	for _, d := range store.Dispatches() {
		statuses[d.Status]++
		if d.Status != domain.DispatchSent {
			continue
		}
		k := fmt.Sprintf("%s/%s/%d", d.EnrollmentID, d.NodeID, d.Step)
		if seen[k] {
			duplicates++
		}
		seen[k] = true
	}

	fmt.Println()
	fmt.Println("=== RESULTS ===")
	fmt.Printf("  workers:            %d\n", cfg.Workers)
	fmt.Printf("  scheduler runtime:  %s\n", runDur.Round(time.Millisecond))
	fmt.Printf("  claims won:         %d\n", metrics.claims)
	fmt.Printf("  tick p50 / p99:     %s / %s\n", percentile(metrics.latencies, 50), percentile(metrics.latencies, 99))
	fmt.Printf("  tick errors:        %d\n", metrics.errors)
	fmt.Printf("  provider sends:     %d\n", adapter.n.Load())
	for st, n := range statuses {
		fmt.Printf("  records %-18s %d\n", st+":", n)
	}
	fmt.Printf("  duplicate sends:    %d\n", duplicates)

	if duplicates > 0 {
		return fmt.Errorf("%d duplicate sends", duplicates)
	}
	return nil
}
