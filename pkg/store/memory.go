package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process StateStore for tests and single-node
// deployments without a durability requirement.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string]json.RawMessage
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string]json.RawMessage)}
}

func (m *MemoryStore) Get(_ context.Context, ns, key string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	group, ok := m.data[ns]
	if !ok {
		return nil, nil
	}
	v, ok := group[key]
	if !ok {
		return nil, nil
	}
	out := make(json.RawMessage, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryStore) Set(_ context.Context, ns, key string, value json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	group, ok := m.data[ns]
	if !ok {
		group = make(map[string]json.RawMessage)
		m.data[ns] = group
	}
	v := make(json.RawMessage, len(value))
	copy(v, value)
	group[key] = v
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, ns, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if group, ok := m.data[ns]; ok {
		delete(group, key)
	}
	return nil
}

func (m *MemoryStore) GetGroup(_ context.Context, ns string) ([]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	group, ok := m.data[ns]
	if !ok {
		return nil, nil
	}
	keys := make([]string, 0, len(group))
	for k := range group {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]json.RawMessage, 0, len(keys))
	for _, k := range keys {
		v := make(json.RawMessage, len(group[k]))
		copy(v, group[k])
		out = append(out, v)
	}
	return out, nil
}

func (m *MemoryStore) Keys(_ context.Context, ns, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	group, ok := m.data[ns]
	if !ok {
		return nil, nil
	}
	keys := make([]string, 0, len(group))
	for k := range group {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
