package panel

import (
	"context"
	"sync"
)

// SessionCache stores the panel session cookie between calls. Keys are the
// panel base URL.
type SessionCache interface {
	Load(ctx context.Context, panel string) (string, bool, error)
	Save(ctx context.Context, panel, session string) error
	Invalidate(ctx context.Context, panel string) error
}

type MemorySessionCache struct {
	mu       sync.RWMutex
	sessions map[string]string
}

func NewMemorySessionCache() *MemorySessionCache {
	return &MemorySessionCache{sessions: make(map[string]string)}
}

func (m *MemorySessionCache) Load(_ context.Context, panel string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.sessions[panel]
	return v, ok && v != "", nil
}

func (m *MemorySessionCache) Save(_ context.Context, panel, session string) error {
	m.mu.Lock()
	m.sessions[panel] = session
	m.mu.Unlock()
	return nil
}

func (m *MemorySessionCache) Invalidate(_ context.Context, panel string) error {
	m.mu.Lock()
	delete(m.sessions, panel)
	m.mu.Unlock()
	return nil
}
