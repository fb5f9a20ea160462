package versionstore

import (
	"context"
	"sync"
)

// MemoryLabels is an in-memory LabelStore.
type MemoryLabels struct {
	mu     sync.RWMutex
	labels map[string]map[string]string
}

// NewMemoryLabels creates an empty label table.
func NewMemoryLabels() *MemoryLabels {
	return &MemoryLabels{labels: make(map[string]map[string]string)}
}

func (m *MemoryLabels) Labels(ctx context.Context, key string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return copyLabels(m.labels[key]), nil
}

func (m *MemoryLabels) SetLabels(ctx context.Context, key string, labels map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.labels[key] = copyLabels(labels)
	return nil
}

func (m *MemoryLabels) DeleteLabels(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.labels, key)
	return nil
}

func copyLabels(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// MemoryDeleted is an in-memory DeletedStore.
type MemoryDeleted struct {
	mu      sync.Mutex
	records map[string]DeletedRecord
}

// NewMemoryDeleted creates an empty deleted-record table.
func NewMemoryDeleted() *MemoryDeleted {
	return &MemoryDeleted{records: make(map[string]DeletedRecord)}
}

func (m *MemoryDeleted) PutDeleted(ctx context.Context, key string, rec DeletedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec.Record = cloneRecord(rec.Record)
	m.records[key] = rec
	return nil
}

func (m *MemoryDeleted) GetDeleted(ctx context.Context, key string) (DeletedRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return DeletedRecord{}, false, nil
	}
	rec.Record = cloneRecord(rec.Record)
	return rec, true, nil
}

func (m *MemoryDeleted) TakeDeleted(ctx context.Context, key string) (DeletedRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if ok {
		delete(m.records, key)
	}
	return rec, ok, nil
}

func (m *MemoryDeleted) ListDeleted(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.records))
	for k := range m.records {
		keys = append(keys, k)
	}
	return keys, nil
}
