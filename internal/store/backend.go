package store

import (
	"context"
	"sync"
)

// Backend is the key/value contract the engine runs against: get and upsert,
// no transactions, no compare-and-swap. Implementations must treat an absent
// key as (nil, false, nil), not as an error.
type Backend interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Upsert(ctx context.Context, key string, value []byte) error
	Close() error
}

// MemBackend is an in-memory backend for tests and local development.
type MemBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemBackend() *MemBackend {
	return &MemBackend{data: make(map[string][]byte)}
}

func (b *MemBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	value, ok := b.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, true, nil
}

func (b *MemBackend) Put(key string, value []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = value
}

func (b *MemBackend) Upsert(_ context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	b.data[key] = stored
	return nil
}

func (b *MemBackend) Close() error { return nil }
