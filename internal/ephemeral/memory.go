package ephemeral

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	ttl       time.Duration
	expiresAt time.Time
}

// memoryBackend keeps keys in a process-local map. Records do not survive a
// restart; it serves tests and single-process development.
type memoryBackend struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
}

// NewMemoryStore creates an in-memory ephemeral store.
func NewMemoryStore(ttl time.Duration) *Store {
	return newStore(&memoryBackend{entries: make(map[string]*memoryEntry)}, ttl)
}

func (b *memoryBackend) set(_ context.Context, key string, value []byte, ttl time.Duration, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	v := make([]byte, len(value))
	copy(v, value)
	b.entries[key] = &memoryEntry{value: v, ttl: ttl, expiresAt: now.Add(ttl)}
	return nil
}

func (b *memoryBackend) get(_ context.Context, key string, now time.Time) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.entries[key]
	if !ok || !now.Before(e.expiresAt) {
		return nil, nil
	}
	v := make([]byte, len(e.value))
	copy(v, e.value)
	return v, nil
}

func (b *memoryBackend) touch(_ context.Context, key string, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok || !now.Before(e.expiresAt) {
		return nil
	}
	e.expiresAt = now.Add(e.ttl)
	return nil
}

func (b *memoryBackend) del(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.entries, key)
	return nil
}

func (b *memoryBackend) delIf(_ context.Context, key string, value []byte, now time.Time) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok || !now.Before(e.expiresAt) || !bytes.Equal(e.value, value) {
		return false, nil
	}
	delete(b.entries, key)
	return true, nil
}

func (b *memoryBackend) scan(_ context.Context, prefix string, now time.Time) (map[string][]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string][]byte)
	for key, e := range b.entries {
		if strings.HasPrefix(key, prefix) && now.Before(e.expiresAt) {
			v := make([]byte, len(e.value))
			copy(v, e.value)
			out[key] = v
		}
	}
	return out, nil
}

func (b *memoryBackend) cleanup(_ context.Context, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for key, e := range b.entries {
		if !now.Before(e.expiresAt) {
			delete(b.entries, key)
			n++
		}
	}
	return n, nil
}

func (b *memoryBackend) close() error { return nil }
