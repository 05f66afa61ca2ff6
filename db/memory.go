package db

import (
	"bytes"
	"sort"
	"sync"
)

// MemoryDB is a database kept in memory.
type MemoryDB struct {
	lock *sync.RWMutex
	data map[string][]byte
}

var _ Database = (*MemoryDB)(nil)

// NewMemoryDB initializes a new in-memory DB
func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		lock: new(sync.RWMutex),
		data: make(map[string][]byte),
	}
}

// Get gets the value for a key.
func (m *MemoryDB) Get(key []byte) ([]byte, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	v, found := m.data[string(key)]
	if !found {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Set sets a single key.
func (m *MemoryDB) Set(key []byte, value []byte) error {
	return m.Batch([]Write{Put(key, value)})
}

// Delete removes a key.
func (m *MemoryDB) Delete(key []byte) error {
	return m.Batch([]Write{Del(key)})
}

// Batch applies all writes under one lock.
func (m *MemoryDB) Batch(writes []Write) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	for _, w := range writes {
		if w.Delete {
			delete(m.data, string(w.Key))
			continue
		}
		m.data[string(w.Key)] = append([]byte(nil), w.Value...)
	}
	return nil
}

// Iterate calls fn for each key with the prefix in ascending order.
func (m *MemoryDB) Iterate(prefix []byte, fn func(key []byte, value []byte) error) error {
	m.lock.RLock()
	keys := make([]string, 0)
	values := make(map[string][]byte)
	for k, v := range m.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
			values[k] = append([]byte(nil), v...)
		}
	}
	m.lock.RUnlock()

	sort.Strings(keys)

	for _, k := range keys {
		if err := fn([]byte(k), values[k]); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op for the memory database.
func (m *MemoryDB) Close() error {
	return nil
}
