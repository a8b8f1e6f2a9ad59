package db

import (
	"context"
	"sync"

	"github.com/Guizzs26/canhoto-sync/internal/models"
)

// MemoryStore keeps encoded sequences in process memory. Values are copied on
// every call so callers never share slices with the store.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]models.QueueItem, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	raw, ok := m.values[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	items, err := decodeItems(raw)
	if err != nil {
		return nil, false, err
	}
	return items, true, nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, items []models.QueueItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := encodeItems(items)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.values[key] = raw
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, key string, fn func([]models.QueueItem) ([]models.QueueItem, error)) ([]models.QueueItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := decodeItems(m.values[key])
	if err != nil {
		return nil, err
	}
	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	raw, err := encodeItems(next)
	if err != nil {
		return nil, err
	}
	m.values[key] = raw
	return next, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
