package versionstore

import (
	"encoding/json"
	"errors"
	"time"
)

// Kind identifies the storage engine behind a Backend.
type Kind string

const (
	KindMemory   Kind = "memory"
	KindPostgres Kind = "postgres"
)

func (k Kind) String() string {
	return string(k)
}

// Version is one immutable payload of a secret.
type Version struct {
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	CreatedAt int64           `json:"created_at"`
	Enabled   bool            `json:"enabled"`
}

// Created returns the creation timestamp as a time.Time in UTC.
func (v Version) Created() time.Time {
	return time.Unix(v.CreatedAt, 0).UTC()
}

// Record is the full state of one secret key.
type Record struct {
	Key      string          `json:"key"`
	Versions []Version       `json:"versions"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Disabled bool            `json:"disabled"`
}

// Latest returns the last inserted version of the record.
func (r Record) Latest() (Version, bool) {
	if len(r.Versions) == 0 {
		return Version{}, false
	}
	return r.Versions[len(r.Versions)-1], true
}

// Find returns the version with the given id.
func (r Record) Find(id string) (Version, bool) {
	for _, v := range r.Versions {
		if v.ID == id {
			return v, true
		}
	}
	return Version{}, false
}

// DeletedRecord is a soft-deleted secret awaiting recovery or purge.
type DeletedRecord struct {
	Record           Record `json:"record"`
	DeletedAt        int64  `json:"deleted_at"`
	ScheduledPurgeAt int64  `json:"scheduled_purge_at"`
}

// IDGenerator produces a version id for key given the versions already
// stored under it. Backends call it while holding the key's write guard,
// so the existing slice is stable for the duration of the call.
type IDGenerator func(key string, existing []Version) string

// ErrDuplicateVersion is returned when a caller-supplied version id is
// already present under the key.
var ErrDuplicateVersion = errors.New("version id already exists")

// ErrEmptyVersionID is returned when neither a version id nor a generator
// is supplied.
var ErrEmptyVersionID = errors.New("version id is required")

// CloneVersions returns a deep copy of vs so callers never alias backend state.
func CloneVersions(vs []Version) []Version {
	if vs == nil {
		return nil
	}
	out := make([]Version, len(vs))
	for i, v := range vs {
		out[i] = cloneVersion(v)
	}
	return out
}

func cloneVersion(v Version) Version {
	v.Data = cloneRaw(v.Data)
	return v
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

func cloneRecord(r Record) Record {
	r.Versions = CloneVersions(r.Versions)
	r.Metadata = cloneRaw(r.Metadata)
	return r
}
