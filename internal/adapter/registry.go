package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hexvault/multiscan-api/internal/models"
)

// Factory builds an adapter bound to one agent. Registered per engine key,
// so vendor-specific transports can coexist behind the shared contract.
type Factory func(agent models.Agent) ScanAdapter

type agentLister interface {
	ListActive(ctx context.Context) ([]models.Agent, error)
}

// Registry resolves active agents into bound adapters. Snapshot returns an
// immutable view; each dispatch receives its own copy instead of sharing a
// mutable global.
type Registry struct {
	agents    agentLister
	mu        sync.RWMutex
	factories map[string]Factory
	fallback  Factory
}

// NewRegistry builds a registry with the default HTTP factory as fallback.
func NewRegistry(agents agentLister, scanTimeout time.Duration) *Registry {
	return &Registry{
		agents:    agents,
		factories: make(map[string]Factory),
		fallback: func(agent models.Agent) ScanAdapter {
			return NewHTTPAdapter(agent, scanTimeout)
		},
	}
}

// Register installs a factory for an engine key, replacing any previous one.
func (r *Registry) Register(engine string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[engine] = factory
}

// BoundAgent pairs an agent row with its ready-to-use adapter.
type BoundAgent struct {
	Agent   models.Agent
	Adapter ScanAdapter
}

// Snapshot returns the currently active agents, each bound to an adapter.
// The slice is owned by the caller; later registry or agent-table changes
// do not affect a dispatch already holding a snapshot.
func (r *Registry) Snapshot(ctx context.Context) ([]BoundAgent, error) {
	agents, err := r.agents.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active agents: %w", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	bound := make([]BoundAgent, 0, len(agents))
	for _, agent := range agents {
		factory, ok := r.factories[agent.Engine]
		if !ok {
			factory = r.fallback
		}
		bound = append(bound, BoundAgent{Agent: agent, Adapter: factory(agent)})
	}
	return bound, nil
}
