package cachestore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// defaultMemoryBackendSize bounds the number of distinct keys the memory
// backend tracks at once; eviction beyond this is an LRU policy on top of
// whatever explicit TTLs are in play, grounded on the teacher's
// toolregistry cache sizing (defaultCacheMaxSize).
const defaultMemoryBackendSize = 4096

type memoryEntry struct {
	value     any
	expiresAt *time.Time
	createdAt time.Time
}

// MemoryBackend is an in-memory cache backend on top of an expirable LRU.
// Per-key TTLs are enforced manually (the expirable LRU's own TTL is a
// single cache-wide value, which does not fit this contract's
// set(key, value, expiryInstant) shape where every call may carry a
// different expiry), so the LRU here is only the eviction/size policy
// and memoryEntry carries the authoritative per-key expiry.
type MemoryBackend struct {
	name string
	mu   sync.Mutex
	lru  *expirable.LRU[string, memoryEntry]
}

// NewMemoryBackend constructs a memory backend named name, capped at
// size entries (defaultMemoryBackendSize if size <= 0).
func NewMemoryBackend(name string, size int) *MemoryBackend {
	if size <= 0 {
		size = defaultMemoryBackendSize
	}
	return &MemoryBackend{
		name: name,
		lru:  expirable.NewLRU[string, memoryEntry](size, nil, 0),
	}
}

func (m *MemoryBackend) Name() string { return m.name }

func (m *MemoryBackend) Init(context.Context) error { return nil }

func (m *MemoryBackend) Destroy(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lru.Purge()
	return nil
}

func (m *MemoryBackend) Get(_ context.Context, key string) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.lru.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	if expired(entry.expiresAt) {
		m.lru.Remove(key)
		return nil, ErrNotFound
	}
	return entry.value, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value any, expiresAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lru.Add(key, memoryEntry{value: value, expiresAt: expiresAt, createdAt: time.Now()})
	return nil
}

func (m *MemoryBackend) Unset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lru.Remove(key)
	return nil
}

func (m *MemoryBackend) Size(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.lru.Get(key)
	if !ok || expired(entry.expiresAt) {
		return 0, ErrNotFound
	}
	b, err := json.Marshal(entry.value)
	if err != nil {
		return 0, err
	}
	return int64(len(b)), nil
}

func (m *MemoryBackend) List(context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := m.lru.Keys()
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		entry, ok := m.lru.Peek(k)
		if !ok || expired(entry.expiresAt) {
			continue
		}
		b, err := json.Marshal(entry.value)
		if err != nil {
			continue
		}
		out = append(out, Entry{
			Key:       k,
			Size:      int64(len(b)),
			CreatedAt: entry.createdAt,
			ExpiresAt: entry.expiresAt,
		})
	}
	return out, nil
}

func expired(at *time.Time) bool {
	return at != nil && time.Now().After(*at)
}
