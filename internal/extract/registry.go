// Package extract holds the extractor plugin registry and the router that
// picks the best plugin for a request.
package extract

import (
	"log/slog"
	"sync"

	"omnimap/internal/domain"
)

// Registry holds extractor plugins in registration order.
type Registry struct {
	mu      sync.RWMutex
	plugins []domain.ExtractorPlugin
	byName  map[string]domain.ExtractorPlugin
	logger  *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byName: make(map[string]domain.ExtractorPlugin),
		logger: logger,
	}
}

// Register adds p unless a plugin with the same name exists. First wins.
func (r *Registry) Register(p domain.ExtractorPlugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := p.Name()
	if _, ok := r.byName[name]; ok {
		r.logger.Debug("extractor already registered, ignoring", "name", name)
		return
	}
	r.byName[name] = p
	r.plugins = append(r.plugins, p)
	r.logger.Debug("registered extractor", "name", name)
}

// List returns a copy of the registered plugins in registration order.
func (r *Registry) List() []domain.ExtractorPlugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ExtractorPlugin, len(r.plugins))
	copy(out, r.plugins)
	return out
}

func (r *Registry) Get(name string) domain.ExtractorPlugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.plugins))
	for _, p := range r.plugins {
		names = append(names, p.Name())
	}
	return names
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}
