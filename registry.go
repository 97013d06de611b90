package tab

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// AdapterFactory builds an Adapter for a registered descriptor. Factories
// are keyed by transport; the descriptor's Kind is informational only and
// never dispatched on.
type AdapterFactory func(desc AgentDescriptor) (Adapter, error)

// Registry maps agent identities to descriptors and live adapters. Safe
// for concurrent use; registration is typically done once at startup but
// nothing prevents runtime additions.
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]AgentDescriptor
	adapters  map[string]Adapter
	factories map[Transport]AdapterFactory
	health    map[string]error
	logger    *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the structured logger.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithFactory installs or overrides the adapter factory for a transport.
func WithFactory(transport Transport, f AdapterFactory) RegistryOption {
	return func(r *Registry) { r.factories[transport] = f }
}

// NewRegistry creates an empty registry. Transports without a factory
// reject registration.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		agents:    make(map[string]AgentDescriptor),
		adapters:  make(map[string]Adapter),
		factories: make(map[Transport]AdapterFactory),
		health:    make(map[string]error),
		logger:    nopLogger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register validates the descriptor, builds its adapter, and stores both.
// Duplicate IDs and unknown transports are rejected.
func (r *Registry) Register(desc AgentDescriptor) error {
	if desc.AgentID == "" {
		return &ErrValidation{Field: "agent_id", Reason: "must not be empty"}
	}
	if desc.Command == "" {
		return &ErrValidation{Field: "command", Reason: "must not be empty"}
	}
	switch desc.Transport {
	case TransportLineJSON, TransportRolloutJournal:
	default:
		return &ErrValidation{Field: "transport", Reason: "unknown transport: " + string(desc.Transport)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[desc.AgentID]; ok {
		return &ErrValidation{Field: "agent_id", Reason: "already registered: " + desc.AgentID}
	}
	factory, ok := r.factories[desc.Transport]
	if !ok {
		return &ErrValidation{Field: "transport", Reason: "no factory for transport: " + string(desc.Transport)}
	}
	adapter, err := factory(desc)
	if err != nil {
		return fmt.Errorf("build adapter for %s: %w", desc.AgentID, err)
	}
	r.agents[desc.AgentID] = desc
	r.adapters[desc.AgentID] = adapter
	r.logger.Info("agent registered", "agent", desc.AgentID, "transport", desc.Transport)
	return nil
}

// Lookup returns the descriptor for id.
func (r *Registry) Lookup(id string) (AgentDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.agents[id]
	return d, ok
}

// Adapter returns the live adapter for id.
func (r *Registry) Adapter(id string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// List returns all descriptors sorted by agent ID.
func (r *Registry) List() []AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentDescriptor, 0, len(r.agents))
	for _, d := range r.agents {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Probe health-checks every registered adapter and caches the results.
// Returns the IDs that failed, sorted.
func (r *Registry) Probe(ctx context.Context, timeout time.Duration) []string {
	r.mu.RLock()
	adapters := make(map[string]Adapter, len(r.adapters))
	for id, a := range r.adapters {
		adapters[id] = a
	}
	r.mu.RUnlock()

	var failed []string
	results := make(map[string]error, len(adapters))
	for id, a := range adapters {
		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		err := a.HealthCheck(probeCtx)
		cancel()
		results[id] = err
		if err != nil {
			failed = append(failed, id)
			r.logger.Warn("health probe failed", "agent", id, "error", err)
		}
	}
	sort.Strings(failed)

	r.mu.Lock()
	for id, err := range results {
		r.health[id] = err
	}
	r.mu.Unlock()
	return failed
}

// Healthy reports the cached probe result for id. Agents never probed
// count as healthy.
func (r *Registry) Healthy(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.health[id] == nil
}

// Shutdown reaps every adapter. The first error is returned; shutdown
// continues past failures.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for id, a := range r.adapters {
		if err := a.Shutdown(ctx); err != nil && first == nil {
			first = fmt.Errorf("shutdown %s: %w", id, err)
		}
	}
	return first
}
