package database

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// MemoryStore 内存文档存储（单实例、测试使用）
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]map[string][]byte
}

// NewMemoryStore 创建内存文档存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]map[string][]byte)}
}

func (m *MemoryStore) Get(ctx context.Context, collection, id string, out interface{}) error {
	m.mu.RLock()
	body, ok := m.docs[collection][id]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return errors.Wrap(json.Unmarshal(body, out), "decode document")
}

func (m *MemoryStore) Query(ctx context.Context, collection string, filter Filter, out interface{}) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.docs[collection]))
	for id := range m.docs[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	bodies := make([][]byte, 0, len(ids))
	for _, id := range ids {
		body := m.docs[collection][id]
		fields := make(map[string]interface{})
		if err := json.Unmarshal(body, &fields); err != nil {
			m.mu.RUnlock()
			return errors.Wrapf(err, "decode %s/%s", collection, id)
		}
		if matches(fields, filter) {
			bodies = append(bodies, body)
		}
	}
	m.mu.RUnlock()
	return decodeList(bodies, out)
}

func (m *MemoryStore) Set(ctx context.Context, collection, id string, doc interface{}) error {
	_, body, err := toFields(doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.docs[collection] == nil {
		m.docs[collection] = make(map[string][]byte)
	}
	m.docs[collection][id] = body
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, collection, id string, patch map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.docs[collection][id]
	if !ok {
		return ErrNotFound
	}
	fields := make(map[string]interface{})
	if err := json.Unmarshal(body, &fields); err != nil {
		return errors.Wrapf(err, "decode %s/%s", collection, id)
	}
	applyPatch(fields, patch)
	updated, err := json.Marshal(fields)
	if err != nil {
		return errors.Wrap(err, "encode document")
	}
	m.docs[collection][id] = updated
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
