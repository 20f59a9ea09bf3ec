package kvstore

import (
	"slices"
	"strings"
	"sync"
)

// MemoryStore keeps everything in process memory. Used in tests and ephemeral dev nodes.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string][]byte{}}
}

func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return slices.Clone(v), nil
}

func (m *MemoryStore) Put(key string, value []byte) error {
	return m.Update(func(txn Txn) error { return txn.Put(key, value) })
}

func (m *MemoryStore) Delete(key string) error {
	return m.Update(func(txn Txn) error { return txn.Delete(key) })
}

func (m *MemoryStore) Keys(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

type memoryTxn struct {
	base    map[string][]byte
	writes  map[string][]byte
	deletes map[string]bool
}

func (t *memoryTxn) Get(key string) ([]byte, error) {
	if t.deletes[key] {
		return nil, ErrKeyNotFound
	}
	if v, ok := t.writes[key]; ok {
		return slices.Clone(v), nil
	}
	v, ok := t.base[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return slices.Clone(v), nil
}

func (t *memoryTxn) Put(key string, value []byte) error {
	delete(t.deletes, key)
	t.writes[key] = slices.Clone(value)
	return nil
}

func (t *memoryTxn) Delete(key string) error {
	delete(t.writes, key)
	t.deletes[key] = true
	return nil
}

func (m *MemoryStore) Update(fn func(txn Txn) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn := &memoryTxn{base: m.data, writes: map[string][]byte{}, deletes: map[string]bool{}}
	if err := fn(txn); err != nil {
		return err
	}
	for k := range txn.deletes {
		delete(m.data, k)
	}
	for k, v := range txn.writes {
		m.data[k] = v
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
