// Package versionstore defines the provider-agnostic versioned secret store.
//
// A store maps a secret key to an ordered list of immutable versions, a
// single opaque metadata blob and a secret-level disabled flag. Payloads
// and metadata are carried as json.RawMessage and are never interpreted at
// this layer; provider semantics (staging labels, sequential ids, soft
// delete) live in internal/providers on top of the Backend contract.
//
// Two backends exist: the in-memory Memory backend in this package, and the
// Postgres backend in internal/storage/postgres. Optional side tables are
// exposed through the LabelStore, DeletedStore and Reporter interfaces and
// discovered by type assertion.
package versionstore
