package persist

import (
	"context"
	"sync"
)

// MemoryBackend is an in-process Backend.
type MemoryBackend struct {
	mu        sync.Mutex
	items     map[string]string
	failWrite error
	writes    int
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{items: make(map[string]string)}
}

func (m *MemoryBackend) GetItem(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[key]
	return v, ok, nil
}

func (m *MemoryBackend) SetItem(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite != nil {
		return m.failWrite
	}
	m.items[key] = value
	m.writes++
	return nil
}

func (m *MemoryBackend) Purge(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]string)
	return nil
}

// FailWrites makes every following SetItem return err. nil restores writes.
func (m *MemoryBackend) FailWrites(err error) {
	m.mu.Lock()
	m.failWrite = err
	m.mu.Unlock()
}

func (m *MemoryBackend) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
