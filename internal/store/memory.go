package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps everything in process memory. Used for tests and ephemeral runs.
type MemoryStore struct {
	mu     sync.RWMutex
	kv     map[string][]byte
	lists  map[string][]Entry
	nextID uint64
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		kv:    make(map[string][]byte),
		lists: make(map[string][]Entry),
		now:   time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.kv[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	return nil
}

func (m *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.kv {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) Append(_ context.Context, list string, value []byte, limit int) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	entries := append(m.lists[list], Entry{
		ID:        m.nextID,
		Value:     append([]byte(nil), value...),
		CreatedAt: m.now(),
	})
	if limit > 0 && len(entries) > limit {
		entries = append([]Entry(nil), entries[len(entries)-limit:]...)
	}
	m.lists[list] = entries
	return m.nextID, nil
}

func (m *MemoryStore) Entries(_ context.Context, list string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.lists[list]
	out := make([]Entry, len(src))
	for i, e := range src {
		out[i] = Entry{ID: e.ID, Value: append([]byte(nil), e.Value...), CreatedAt: e.CreatedAt}
	}
	return out, nil
}

func (m *MemoryStore) Remove(_ context.Context, list string, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.lists[list]
	for i, e := range entries {
		if e.ID == id {
			m.lists[list] = append(entries[:i:i], entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }
