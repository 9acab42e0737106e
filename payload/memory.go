package payload

import (
	"bytes"
	"context"
	"sort"
	"sync"
)

type memoryEntry struct {
	val []byte
	rev int64
}

// Memory is an in-process Store.
type Memory struct {
	lock    sync.RWMutex
	backend map[string]memoryEntry
}

var _ Store = (*Memory)(nil)

// NewMemory initializes an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{backend: map[string]memoryEntry{}}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, int64, bool, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	entry, ok := m.backend[key]
	return bytes.Clone(entry.val), entry.rev, ok, nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte, rev int64) (bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if entry, ok := m.backend[key]; ok && rev <= entry.rev {
		return false, nil
	}
	m.backend[key] = memoryEntry{val: bytes.Clone(value), rev: rev}
	return true, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.backend, key)
	return nil
}

// Keys returns the stored keys, sorted.
func (m *Memory) Keys() []string {
	m.lock.RLock()
	defer m.lock.RUnlock()
	keys := make([]string, 0, len(m.backend))
	for k := range m.backend {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Memory) Close() error {
	return nil
}
