package credential

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryStorage is an in-process Storage. Entries vanish with the process.
type MemoryStorage struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	nowF    func() time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{entries: make(map[string]memoryEntry), nowF: time.Now}
}

func (m *MemoryStorage) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok || (!e.expiresAt.IsZero() && !m.nowF().Before(e.expiresAt)) {
		return "", ErrNotFound
	}
	return e.value, nil
}

// Set stores value; a zero ttl keeps it until cleared.
func (m *MemoryStorage) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = m.nowF().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *MemoryStorage) Clear(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}
