package tracker

import (
	"context"
	"sync"
	"time"

	"modelswarm/internal/domain"
)

// CacheBackend stores resolved descriptors by key.
type CacheBackend interface {
	Get(ctx context.Context, key string) (domain.Descriptor, bool, error)
	Set(ctx context.Context, key string, d domain.Descriptor, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type memoryEntry struct {
	descriptor domain.Descriptor
	expiresAt  time.Time
}

// MemoryCacheBackend is the in-process backend used when no Redis is configured.
type MemoryCacheBackend struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryCacheBackend() *MemoryCacheBackend {
	return &MemoryCacheBackend{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (m *MemoryCacheBackend) Get(_ context.Context, key string) (domain.Descriptor, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return domain.Descriptor{}, false, nil
	}
	if !e.expiresAt.IsZero() && m.now().After(e.expiresAt) {
		delete(m.entries, key)
		return domain.Descriptor{}, false, nil
	}
	return e.descriptor, true, nil
}

func (m *MemoryCacheBackend) Set(_ context.Context, key string, d domain.Descriptor, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expires time.Time
	if ttl > 0 {
		expires = m.now().Add(ttl)
	}
	m.entries[key] = memoryEntry{descriptor: d, expiresAt: expires}
	return nil
}

func (m *MemoryCacheBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}
