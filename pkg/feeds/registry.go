// Package feeds holds the built-in feed adapters and the kind registry
// the fetch handler resolves them through.
package feeds

import (
	"fmt"

	"marketpulse/pkg/jobs"
	"marketpulse/pkg/models"
)

// Registry maps source kinds to adapters. A kind without an adapter
// cannot be fetched by this process; its sources fail permanently so
// misconfiguration surfaces instead of burning retries.
type Registry struct {
	adapters map[models.FeedSourceKind]jobs.FeedAdapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[models.FeedSourceKind]jobs.FeedAdapter)}
}

// Register binds an adapter to a kind, replacing any previous binding.
func (r *Registry) Register(kind models.FeedSourceKind, adapter jobs.FeedAdapter) {
	r.adapters[kind] = adapter
}

// ForKind implements jobs.AdapterRegistry.
func (r *Registry) ForKind(kind models.FeedSourceKind) (jobs.FeedAdapter, error) {
	adapter, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for feed kind %q", kind)
	}
	return adapter, nil
}

// Default returns a registry with the built-in adapters bound.
func Default() *Registry {
	r := NewRegistry()
	r.Register(models.FeedKindAPI, NewAPIAdapter())
	return r
}
