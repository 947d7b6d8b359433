package store

import (
	"context"
	"errors"
	"sync"
)

// Backend defines the minimal document operations the workflow store needs.
// Values are opaque byte payloads keyed by incident id; workflows are never
// physically deleted, so there is no delete operation.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// SetNX stores the value only if the key is absent, reporting whether
	// the write happened.
	SetNX(ctx context.Context, key string, value []byte) (bool, error)
	Close() error
}

// ErrKeyNotFound signals that a backend key was not found.
var ErrKeyNotFound = errors.New("key not found")

// MemoryBackend implements Backend with an in-process map. It backs tests
// and embedded deployments where durability is not required.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

// Get fetches bytes by key, returning ErrKeyNotFound when absent.
func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), value...), nil
}

// Set stores bytes unconditionally.
func (m *MemoryBackend) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

// SetNX stores bytes only when the key is absent.
func (m *MemoryBackend) SetNX(_ context.Context, key string, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.data[key]; exists {
		return false, nil
	}
	m.data[key] = append([]byte(nil), value...)
	return true, nil
}

// Close is a no-op for the memory backend.
func (m *MemoryBackend) Close() error { return nil }
