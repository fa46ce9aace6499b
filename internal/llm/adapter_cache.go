package llm

import (
	"sync"

	"github.com/ahrav/go-promptlab/internal/llm/transport"
)

// AdapterKey identifies one memoized adapter. CredentialID is empty for
// local providers.
type AdapterKey struct {
	CredentialID string
	Provider     string
	Model        string
}

// AdapterCache memoizes provider adapters for the lifetime of a Gateway.
// Rotating a credential changes its id, so a fresh adapter is built on the
// next call while the stale one ages out with Invalidate.
type AdapterCache struct {
	mu       sync.RWMutex
	adapters map[AdapterKey]transport.ProviderAdapter
}

// NewAdapterCache returns an empty cache.
func NewAdapterCache() *AdapterCache {
	return &AdapterCache{adapters: make(map[AdapterKey]transport.ProviderAdapter)}
}

// GetOrBuild returns the adapter for key, calling build at most once per key.
func (c *AdapterCache) GetOrBuild(key AdapterKey, build func() (transport.ProviderAdapter, error)) (transport.ProviderAdapter, error) {
	c.mu.RLock()
	a, ok := c.adapters[key]
	c.mu.RUnlock()
	if ok {
		return a, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.adapters[key]; ok {
		return a, nil
	}
	a, err := build()
	if err != nil {
		return nil, err
	}
	c.adapters[key] = a
	return a, nil
}

// Invalidate drops every adapter built from credentialID.
func (c *AdapterCache) Invalidate(credentialID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.adapters {
		if k.CredentialID == credentialID {
			delete(c.adapters, k)
			n++
		}
	}
	return n
}

// Len reports the number of memoized adapters.
func (c *AdapterCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.adapters)
}
