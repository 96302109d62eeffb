package exchange

import (
	"sync"

	"github.com/quaylabs/rangekeeper/internal/domain"
)

// AdapterRegistry maps DEX ids ("univ3", "algebra", "aerodrome", "univ4",
// "lb") to their PositionAdapter. Registration happens at process start;
// lookups are cycle-hot.
type AdapterRegistry struct {
	mu       sync.RWMutex
	adapters map[string]PositionAdapter
}

// NewAdapterRegistry returns an empty registry.
func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{adapters: make(map[string]PositionAdapter)}
}

// Register binds a DEX id to an adapter, replacing any previous binding.
func (r *AdapterRegistry) Register(dexID string, adapter PositionAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[dexID] = adapter
}

// Lookup resolves the adapter for a DEX id.
func (r *AdapterRegistry) Lookup(dexID string) (PositionAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[dexID]
	if !ok {
		return nil, domain.Classifyf(domain.FailFatal, "no position adapter registered for dex %q", dexID)
	}
	return a, nil
}

// DexIDs lists registered DEX ids.
func (r *AdapterRegistry) DexIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}
	return out
}
