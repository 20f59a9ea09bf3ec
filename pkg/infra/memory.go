package infra

import (
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/consul/api"
)

// MemoryKV is an in-process ConsulKV for single-host deployments and tests.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
	idx  uint64
}

var _ ConsulKV = (*MemoryKV)(nil)

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: map[string][]byte{}}
}

func (m *MemoryKV) Put(kv *api.KVPair, _ *api.WriteOptions) (*api.WriteMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[kv.Key] = append([]byte(nil), kv.Value...)
	m.idx++
	return &api.WriteMeta{}, nil
}

func (m *MemoryKV) Get(key string, _ *api.QueryOptions) (*api.KVPair, *api.QueryMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta := &api.QueryMeta{LastIndex: m.idx}
	v, ok := m.data[key]
	if !ok {
		return nil, meta, nil
	}
	return &api.KVPair{Key: key, Value: append([]byte(nil), v...)}, meta, nil
}

func (m *MemoryKV) Delete(key string, _ *api.WriteOptions) (*api.WriteMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	m.idx++
	return &api.WriteMeta{}, nil
}

func (m *MemoryKV) List(prefix string, _ *api.QueryOptions) (api.KVPairs, *api.QueryMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out api.KVPairs
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, &api.KVPair{Key: k, Value: append([]byte(nil), v...)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, &api.QueryMeta{LastIndex: m.idx}, nil
}
