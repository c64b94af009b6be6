package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/crewforge/crewforge/pkg/config"
)

// DefaultProviderName is the routing fallback for personas without an
// explicit entry.
const DefaultProviderName = "default"

// ErrNoProvider reports a persona with no routable provider.
var ErrNoProvider = errors.New("no provider for persona")

// Router picks a provider per persona from the configured routing table,
// falling back to the "default" provider.
type Router struct {
	mu        sync.RWMutex
	providers map[string]AgentProvider
	routing   map[string]string
}

// NewRouter creates a router over an explicit provider set.
func NewRouter(providers map[string]AgentProvider, routing map[string]string) *Router {
	if providers == nil {
		providers = make(map[string]AgentProvider)
	}
	if routing == nil {
		routing = make(map[string]string)
	}
	return &Router{providers: providers, routing: routing}
}

// NewRouterFromConfig builds the provider set named in the config. Scripted
// entries get empty scripted providers; tests register responses through
// Provider().
func NewRouterFromConfig(cfg *config.Config) (*Router, error) {
	providers := make(map[string]AgentProvider, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		switch pc.Type {
		case "http":
			providers[name] = NewHTTPProvider(name, pc)
		case "scripted":
			providers[name] = NewScriptedProvider(name)
		default:
			return nil, fmt.Errorf("provider %s: unknown type %q", name, pc.Type)
		}
	}
	return NewRouter(providers, cfg.Routing), nil
}

// ForPersona resolves the provider serving a persona.
func (r *Router) ForPersona(persona string) (AgentProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.routing[persona]
	if !ok {
		name = DefaultProviderName
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s (route %s)", ErrNoProvider, persona, name)
	}
	return p, nil
}

// Provider returns a provider by name, for health checks and test setup.
func (r *Router) Provider(name string) (AgentProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Register adds or replaces a named provider.
func (r *Router) Register(name string, p AgentProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// HealthReport is one provider's health probe outcome.
type HealthReport struct {
	Provider string `json:"provider"`
	Healthy  bool   `json:"healthy"`
	Error    string `json:"error,omitempty"`
}

// CheckHealth probes every registered provider and returns the reports in
// name order.
func (r *Router) CheckHealth(ctx context.Context) []HealthReport {
	r.mu.RLock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	reports := make([]HealthReport, 0, len(names))
	for _, name := range names {
		p, _ := r.Provider(name)
		report := HealthReport{Provider: name, Healthy: true}
		if err := p.HealthCheck(ctx); err != nil {
			report.Healthy = false
			report.Error = err.Error()
			slog.Warn("Provider unhealthy", "provider", name, "error", err)
		}
		reports = append(reports, report)
	}
	return reports
}
