package versionstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type memoryEntry struct {
	versions []Version
	metadata json.RawMessage
	disabled bool
}

// Memory is a process-local Backend. A single RWMutex guards the record
// map; returned slices and payloads are copies.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

// MemoryOption configures a Memory backend.
type MemoryOption func(*Memory)

// WithClock overrides the clock used to stamp new versions.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory creates an empty in-memory backend.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ Backend = (*Memory)(nil)

func (m *Memory) Kind() Kind { return KindMemory }

func (m *Memory) Close() error { return nil }

func (m *Memory) AddVersion(ctx context.Context, key string, data json.RawMessage, versionID string, gen IDGenerator) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		e = &memoryEntry{}
	}

	if versionID == "" {
		if gen == nil {
			return "", ErrEmptyVersionID
		}
		versionID = gen(key, e.versions)
	}
	for _, v := range e.versions {
		if v.ID == versionID {
			return "", ErrDuplicateVersion
		}
	}

	e.versions = append(e.versions, Version{
		ID:        versionID,
		Data:      cloneRaw(data),
		CreatedAt: m.now().Unix(),
		Enabled:   true,
	})
	m.entries[key] = e
	return versionID, nil
}

func (m *Memory) GetVersion(ctx context.Context, key, versionID string) (Version, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok {
		return Version{}, false, nil
	}
	for _, v := range e.versions {
		if v.ID == versionID {
			return cloneVersion(v), true, nil
		}
	}
	return Version{}, false, nil
}

func (m *Memory) LatestVersion(ctx context.Context, key string) (Version, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok || len(e.versions) == 0 {
		return Version{}, false, nil
	}
	return cloneVersion(e.versions[len(e.versions)-1]), true, nil
}

func (m *Memory) ListVersions(ctx context.Context, key string) ([]Version, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	out := CloneVersions(e.versions)
	if out == nil {
		out = []Version{}
	}
	return out, true, nil
}

func (m *Memory) GetMetadata(ctx context.Context, key string) (json.RawMessage, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok || e.metadata == nil {
		return nil, false, nil
	}
	return cloneRaw(e.metadata), true, nil
}

func (m *Memory) UpdateMetadata(ctx context.Context, key string, metadata json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		e = &memoryEntry{}
		m.entries[key] = e
	}
	e.metadata = cloneRaw(metadata)
	return nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.entries[key]
	return ok, nil
}

func (m *Memory) DeleteSecret(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[key]; !ok {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}

func (m *Memory) EnableSecret(ctx context.Context, key string) (bool, error) {
	return m.setSecretDisabled(key, false), nil
}

func (m *Memory) DisableSecret(ctx context.Context, key string) (bool, error) {
	return m.setSecretDisabled(key, true), nil
}

func (m *Memory) setSecretDisabled(key string, disabled bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return false
	}
	e.disabled = disabled
	return true
}

func (m *Memory) IsEnabled(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	return ok && !e.disabled, nil
}

func (m *Memory) EnableVersion(ctx context.Context, key, versionID string) (bool, error) {
	return m.setVersionEnabled(key, versionID, true), nil
}

func (m *Memory) DisableVersion(ctx context.Context, key, versionID string) (bool, error) {
	return m.setVersionEnabled(key, versionID, false), nil
}

func (m *Memory) setVersionEnabled(key, versionID string, enabled bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return false
	}
	for i := range e.versions {
		if e.versions[i].ID == versionID {
			e.versions[i].Enabled = enabled
			return true
		}
	}
	return false
}

func (m *Memory) ListKeys(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *Memory) Snapshot(ctx context.Context, key string) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok {
		return Record{}, false, nil
	}
	return cloneRecord(Record{
		Key:      key,
		Versions: e.versions,
		Metadata: e.metadata,
		Disabled: e.disabled,
	}), true, nil
}

func (m *Memory) PutRecord(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	rec = cloneRecord(rec)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[rec.Key] = &memoryEntry{
		versions: rec.Versions,
		metadata: rec.Metadata,
		disabled: rec.Disabled,
	}
	return nil
}
