// Package blob stores PDF pages, source documents and reports in object storage.
package blob

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
)

// ErrNotFound is returned by Get for a missing object.
var ErrNotFound = eris.New("blob: object not found")

// Store is the storage port. Put only creates: writing a key that already
// exists succeeds without replacing the object, so redelivered stages can
// upload again safely.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Opener returns a Store for another bucket on the same backend.
type Opener interface {
	ForBucket(bucket string) Store
}

// Memory is an in-process Store. Buckets opened from it share nothing.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte

	bucketsMu sync.Mutex
	buckets   map[string]*Memory
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{objects: map[string][]byte{}, buckets: map[string]*Memory{}}
}

func (m *Memory) Put(_ context.Context, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; ok {
		return nil
	}
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "key %s", key)
	}
	return append([]byte(nil), data...), nil
}

// Keys returns every stored key.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.objects))
	for k := range m.objects {
		out = append(out, k)
	}
	return out
}

func (m *Memory) ForBucket(bucket string) Store {
	m.bucketsMu.Lock()
	defer m.bucketsMu.Unlock()
	b, ok := m.buckets[bucket]
	if !ok {
		b = NewMemory()
		m.buckets[bucket] = b
	}
	return b
}
