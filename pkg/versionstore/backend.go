package versionstore

import (
	"context"
	"encoding/json"
)

// Backend is the storage contract shared by every provider layer.
//
// Absence is reported through the boolean results, never as an error.
// Errors are reserved for backend failures (connection loss, bad SQL) and
// for ErrDuplicateVersion.
type Backend interface {
	// AddVersion appends an enabled version under key, creating the record
	// when needed, and returns the stored id. When versionID is empty gen
	// is invoked under the key's write guard.
	AddVersion(ctx context.Context, key string, data json.RawMessage, versionID string, gen IDGenerator) (string, error)
	GetVersion(ctx context.Context, key, versionID string) (Version, bool, error)
	LatestVersion(ctx context.Context, key string) (Version, bool, error)
	// ListVersions returns versions in insertion order. ok is false only
	// when the key has never been written.
	ListVersions(ctx context.Context, key string) ([]Version, bool, error)

	GetMetadata(ctx context.Context, key string) (json.RawMessage, bool, error)
	// UpdateMetadata replaces the metadata blob, creating an empty record
	// when the key does not exist yet.
	UpdateMetadata(ctx context.Context, key string, metadata json.RawMessage) error

	Exists(ctx context.Context, key string) (bool, error)
	DeleteSecret(ctx context.Context, key string) (bool, error)
	EnableSecret(ctx context.Context, key string) (bool, error)
	DisableSecret(ctx context.Context, key string) (bool, error)
	IsEnabled(ctx context.Context, key string) (bool, error)
	EnableVersion(ctx context.Context, key, versionID string) (bool, error)
	DisableVersion(ctx context.Context, key, versionID string) (bool, error)
	ListKeys(ctx context.Context) ([]string, error)

	// Snapshot returns a detached copy of the whole record.
	Snapshot(ctx context.Context, key string) (Record, bool, error)
	// PutRecord overwrites the record stored under rec.Key.
	PutRecord(ctx context.Context, rec Record) error

	Kind() Kind
	Close() error
}

// LabelStore keeps named pointers from a secret to one of its versions.
type LabelStore interface {
	Labels(ctx context.Context, key string) (map[string]string, error)
	SetLabels(ctx context.Context, key string, labels map[string]string) error
	DeleteLabels(ctx context.Context, key string) error
}

// DeletedStore holds soft-deleted records outside the live key space.
type DeletedStore interface {
	PutDeleted(ctx context.Context, key string, rec DeletedRecord) error
	GetDeleted(ctx context.Context, key string) (DeletedRecord, bool, error)
	// TakeDeleted removes and returns the deleted record.
	TakeDeleted(ctx context.Context, key string) (DeletedRecord, bool, error)
	ListDeleted(ctx context.Context) ([]string, error)
}

// Reporter answers aggregate questions over stored metadata.
type Reporter interface {
	Environments(ctx context.Context, project, location string) ([]string, error)
	Locations(ctx context.Context, project string) ([]string, error)
	Projects(ctx context.Context) ([]string, error)
	// FilterKeys lists keys starting with prefix whose derived environment
	// and location match. Empty filters match everything.
	FilterKeys(ctx context.Context, prefix, environment, location string) ([]string, error)
}

// LabelsFor returns the backend's own label table when it has one, and a
// fresh in-memory table otherwise.
func LabelsFor(b Backend) LabelStore {
	if ls, ok := b.(LabelStore); ok {
		return ls
	}
	return NewMemoryLabels()
}

// DeletedFor returns the backend's deleted-record table when it has one,
// and a fresh in-memory table otherwise.
func DeletedFor(b Backend) DeletedStore {
	if ds, ok := b.(DeletedStore); ok {
		return ds
	}
	return NewMemoryDeleted()
}

// ReporterFor returns the backend's Reporter, or nil for backends that
// cannot aggregate.
func ReporterFor(b Backend) Reporter {
	if r, ok := b.(Reporter); ok {
		return r
	}
	return nil
}
