package store

import (
	"context"
	"sync"

	"github.com/KSDGitMe/LiMOS-sub001/pkg/models"
	"github.com/rs/zerolog/log"
)

// MemoryBackend implements Backend with an in-process map. Nothing survives a
// restart. Entries are copied on the way in and out.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]*models.MemoryEntry
	opts    options
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend(opts ...Option) *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string]*models.MemoryEntry),
		opts:    buildOptions(opts),
	}
}

func (m *MemoryBackend) Get(_ context.Context, key string) (*models.MemoryEntry, error) {
	now := m.opts.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	if e.IsExpired(now) {
		delete(m.entries, key)
		log.Debug().Str("key", key).Msg("Memory entry expired on read")
		return nil, nil
	}
	e.Touch(now)
	return e.Clone(), nil
}

func (m *MemoryBackend) Set(_ context.Context, entry *models.MemoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.Key] = entry.Clone()
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; !ok {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}

func (m *MemoryBackend) Keys(_ context.Context, pattern string) ([]string, error) {
	m.mu.RLock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	m.mu.RUnlock()
	return filterKeys(keys, pattern), nil
}

func (m *MemoryBackend) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*models.MemoryEntry)
	return nil
}

func (m *MemoryBackend) Size(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

func (m *MemoryBackend) Peek(_ context.Context, key string) (*models.MemoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[key].Clone(), nil
}

func (m *MemoryBackend) Close() error { return nil }
