package automation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ignite/automation-engine/internal/graph"
)

// GraphCache parses and caches published graphs per automation. Published
// graphs are immutable, so entries only expire to pick up republishes made
// by other processes.
type GraphCache struct {
	store AutomationStore
	ttl   time.Duration
	now   func() time.Time

	mu      sync.RWMutex
	entries map[string]cachedGraph
}

type cachedGraph struct {
	graph    *graph.Graph
	loadedAt time.Time
}

// NewGraphCache creates a cache. A zero ttl keeps entries until Invalidate.
func NewGraphCache(store AutomationStore, ttl time.Duration) *GraphCache {
	return &GraphCache{
		store:   store,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cachedGraph),
	}
}

// Get returns the parsed graph of an automation. A graph that no longer
// parses is an integrity defect for every enrollment running it.
func (c *GraphCache) Get(ctx context.Context, automationID string) (*graph.Graph, error) {
	c.mu.RLock()
	entry, ok := c.entries[automationID]
	c.mu.RUnlock()
	if ok && (c.ttl == 0 || c.now().Sub(entry.loadedAt) < c.ttl) {
		return entry.graph, nil
	}

	a, err := c.store.GetAutomation(ctx, automationID)
	if err != nil {
		return nil, fmt.Errorf("load automation %s: %w", automationID, err)
	}
	g, err := graph.Parse(a.Graph)
	if err != nil {
		return nil, fmt.Errorf("%w: automation %s: %w", ErrIntegrity, automationID, err)
	}

	c.mu.Lock()
	c.entries[automationID] = cachedGraph{graph: g, loadedAt: c.now()}
	c.mu.Unlock()
	return g, nil
}

// Invalidate drops a cached graph.
func (c *GraphCache) Invalidate(automationID string) {
	c.mu.Lock()
	delete(c.entries, automationID)
	c.mu.Unlock()
}
