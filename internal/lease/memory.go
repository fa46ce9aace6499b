package lease

import (
	"context"
	"sync"
	"time"
)

type holder struct {
	token   string
	expires time.Time
}

// MemoryManager keeps leases in process memory. It suits single-worker
// deployments and tests.
type MemoryManager struct {
	mu     sync.Mutex
	leases map[string]holder
	now    func() time.Time
}

// NewMemoryManager creates an empty manager.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{leases: make(map[string]holder), now: time.Now}
}

// current returns the live holder of key. Caller holds mu.
func (m *MemoryManager) current(key string) (holder, bool) {
	h, ok := m.leases[key]
	if !ok {
		return holder{}, false
	}
	if !m.now().Before(h.expires) {
		delete(m.leases, key)
		return holder{}, false
	}
	return h, true
}

func (m *MemoryManager) Acquire(_ context.Context, key, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.current(key); ok && h.token != token {
		return ErrHeld
	}
	m.leases[key] = holder{token: token, expires: m.now().Add(ttlOrDefault(ttl))}
	return nil
}

func (m *MemoryManager) Renew(_ context.Context, key, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.current(key); !ok || h.token != token {
		return ErrNotHeld
	}
	m.leases[key] = holder{token: token, expires: m.now().Add(ttlOrDefault(ttl))}
	return nil
}

func (m *MemoryManager) Check(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.current(key); !ok || h.token != token {
		return ErrNotHeld
	}
	return nil
}

func (m *MemoryManager) Release(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.current(key); ok && h.token == token {
		delete(m.leases, key)
	}
	return nil
}
