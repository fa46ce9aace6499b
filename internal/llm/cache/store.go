// Package cache provides the gateway's response cache. Responses are keyed by
// a digest of the exact request, so a hit only occurs for byte-identical
// message sequences under identical parameters and seed.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/ahrav/go-promptlab/internal/llm/transport"
)

// Entry is the compact form of a response kept in the cache.
type Entry struct {
	Text       string          `json:"text"`
	Model      string          `json:"model"`
	Usage      transport.Usage `json:"usage"`
	StoredAtMs int64           `json:"stored_at_ms"`
}

func entryFromResponse(resp *transport.Response, now time.Time) Entry {
	return Entry{
		Text:       resp.Text,
		Model:      resp.Model,
		Usage:      resp.Usage,
		StoredAtMs: now.UnixMilli(),
	}
}

// response rebuilds a cached response. No backend call happened, so the
// latency is zero.
func (e Entry) response() *transport.Response {
	usage := e.Usage
	usage.LatencyMs = 0
	return &transport.Response{Text: e.Text, Model: e.Model, Usage: usage, Cached: true}
}

// Store persists cache entries. Get reports a miss with (nil, nil).
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, e Entry, ttl time.Duration) error
}

// MemoryStore is an in-process Store. Expired entries are invisible to Get
// and reclaimed by Purge.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	entry     Entry
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

// Get returns the unexpired entry for key.
func (m *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	me, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	if !m.now().Before(me.expiresAt) {
		delete(m.entries, key)
		return nil, nil
	}
	e := me.entry
	return &e, nil
}

// Set stores e until ttl elapses.
func (m *MemoryStore) Set(_ context.Context, key string, e Entry, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{entry: e, expiresAt: m.now().Add(ttl)}
	return nil
}

// Purge drops expired entries and returns how many were removed.
func (m *MemoryStore) Purge() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for k, me := range m.entries {
		if !now.Before(me.expiresAt) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
