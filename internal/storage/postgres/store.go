// Package postgres implements versionstore.Backend on PostgreSQL.
//
// Each provider owns a schema (aws, gcp, azure) with a secrets table and a
// versions table. Version order is the BIGSERIAL seq column, so "latest"
// is insertion order exactly as in the in-memory backend.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	dserrors "github.com/systmms/vstore/internal/errors"
	"github.com/systmms/vstore/internal/logging"
	"github.com/systmms/vstore/pkg/versionstore"
)

// Store is a Postgres-backed versionstore.Backend scoped to one schema.
type Store struct {
	db     *sql.DB
	schema string
	q      string
	now    func() time.Time
	logger *logging.Logger
}

var (
	_ versionstore.Backend      = (*Store)(nil)
	_ versionstore.LabelStore   = (*Store)(nil)
	_ versionstore.DeletedStore = (*Store)(nil)
	_ versionstore.Reporter     = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for debug output.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock overrides the clock used for created_at/updated_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New wraps an existing connection pool.
func New(db *sql.DB, schema string, opts ...Option) (*Store, error) {
	if !validSchema(schema) {
		return nil, fmt.Errorf("unknown schema %q", schema)
	}
	s := &Store{
		db:     db,
		schema: schema,
		q:      quoteSchema(schema),
		now:    time.Now,
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("schema", schema)
	return s, nil
}

// Open connects to dsn with lib/pq and verifies the connection.
func Open(ctx context.Context, dsn, schema string, opts ...Option) (*Store, error) {
	if !validSchema(schema) {
		return nil, fmt.Errorf("unknown schema %q", schema)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, dserrors.BackendError{Backend: "postgres", Operation: "open", Err: err}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, dserrors.BackendError{Backend: "postgres", Operation: "connect", Err: err}
	}
	return New(db, schema, opts...)
}

// DB exposes the underlying pool.
func (s *Store) DB() *sql.DB { return s.db }

// Schema returns the provider schema this store is bound to.
func (s *Store) Schema() string { return s.schema }

func (s *Store) Kind() versionstore.Kind { return versionstore.KindPostgres }

func (s *Store) Close() error { return s.db.Close() }

func quoteSchema(schema string) string {
	return pq.QuoteIdentifier(schema)
}

func (s *Store) backendErr(op string, err error) error {
	return dserrors.BackendError{Backend: "postgres", Operation: op, Err: err}
}

func (s *Store) AddVersion(ctx context.Context, key string, data json.RawMessage, versionID string, gen versionstore.IDGenerator) (string, error) {
	if versionID == "" && gen == nil {
		return "", versionstore.ErrEmptyVersionID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", s.backendErr("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().Unix()

	// The upsert takes the row lock on the secret, so concurrent writers
	// to the same key serialize until commit.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s.secrets (key, created_at, updated_at) VALUES ($1, $2, $2)
		ON CONFLICT (key) DO UPDATE SET updated_at = EXCLUDED.updated_at`, s.q),
		key, now); err != nil {
		return "", s.backendErr("upsert secret", err)
	}

	existing, err := s.queryVersions(ctx, tx, key)
	if err != nil {
		return "", err
	}

	if versionID == "" {
		versionID = gen(key, existing)
	}
	for _, v := range existing {
		if v.ID == versionID {
			return "", versionstore.ErrDuplicateVersion
		}
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s.versions (secret_key, version_id, data, enabled, created_at) VALUES ($1, $2, $3, TRUE, $4)`, s.q),
		key, versionID, string(data), now); err != nil {
		return "", s.backendErr("insert version", err)
	}

	if err := tx.Commit(); err != nil {
		return "", s.backendErr("commit", err)
	}

	s.logger.Debug("added version %s to %s", versionID, key)
	return versionID, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func (s *Store) queryVersions(ctx context.Context, q queryer, key string) ([]versionstore.Version, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(
		`SELECT version_id, data, enabled, created_at FROM %s.versions WHERE secret_key = $1 ORDER BY seq`, s.q), key)
	if err != nil {
		return nil, s.backendErr("list versions", err)
	}
	defer func() { _ = rows.Close() }()

	versions := []versionstore.Version{}
	for rows.Next() {
		var (
			v    versionstore.Version
			data []byte
		)
		if err := rows.Scan(&v.ID, &data, &v.Enabled, &v.CreatedAt); err != nil {
			return nil, s.backendErr("scan version", err)
		}
		v.Data = json.RawMessage(data)
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, s.backendErr("iterate versions", err)
	}
	return versions, nil
}

func (s *Store) scanVersion(row *sql.Row) (versionstore.Version, bool, error) {
	var (
		v    versionstore.Version
		data []byte
	)
	err := row.Scan(&v.ID, &data, &v.Enabled, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return versionstore.Version{}, false, nil
	}
	if err != nil {
		return versionstore.Version{}, false, s.backendErr("get version", err)
	}
	v.Data = json.RawMessage(data)
	return v, true, nil
}

func (s *Store) GetVersion(ctx context.Context, key, versionID string) (versionstore.Version, bool, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT version_id, data, enabled, created_at FROM %s.versions WHERE secret_key = $1 AND version_id = $2`, s.q),
		key, versionID)
	return s.scanVersion(row)
}

func (s *Store) LatestVersion(ctx context.Context, key string) (versionstore.Version, bool, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT version_id, data, enabled, created_at FROM %s.versions WHERE secret_key = $1 ORDER BY seq DESC LIMIT 1`, s.q),
		key)
	return s.scanVersion(row)
}

func (s *Store) ListVersions(ctx context.Context, key string) ([]versionstore.Version, bool, error) {
	exists, err := s.Exists(ctx, key)
	if err != nil || !exists {
		return nil, false, err
	}
	versions, err := s.queryVersions(ctx, s.db, key)
	if err != nil {
		return nil, false, err
	}
	return versions, true, nil
}

func (s *Store) GetMetadata(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var md []byte
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT metadata FROM %s.secrets WHERE key = $1`, s.q), key).Scan(&md)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, s.backendErr("get metadata", err)
	}
	if md == nil {
		return nil, false, nil
	}
	return json.RawMessage(md), true, nil
}

func (s *Store) UpdateMetadata(ctx context.Context, key string, metadata json.RawMessage) error {
	env, loc := classify(s.schema, key, metadata)
	now := s.now().Unix()

	var md interface{}
	if metadata != nil {
		md = string(metadata)
	}

	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s.secrets (key, metadata, environment, location, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (key) DO UPDATE SET metadata = EXCLUDED.metadata, environment = EXCLUDED.environment,
			location = EXCLUDED.location, updated_at = EXCLUDED.updated_at`, s.q),
		key, md, nullString(env), nullString(loc), now)
	if err != nil {
		return s.backendErr("update metadata", err)
	}
	s.logger.Debug("updated metadata for %s (environment=%q location=%q)", key, env, loc)
	return nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT EXISTS (SELECT 1 FROM %s.secrets WHERE key = $1)`, s.q), key).Scan(&exists)
	if err != nil {
		return false, s.backendErr("exists", err)
	}
	return exists, nil
}

func (s *Store) execAffected(ctx context.Context, op, query string, args ...interface{}) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, s.backendErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, s.backendErr(op, err)
	}
	return n > 0, nil
}

func (s *Store) DeleteSecret(ctx context.Context, key string) (bool, error) {
	// versions and staging labels cascade.
	return s.execAffected(ctx, "delete secret",
		fmt.Sprintf(`DELETE FROM %s.secrets WHERE key = $1`, s.q), key)
}

func (s *Store) EnableSecret(ctx context.Context, key string) (bool, error) {
	return s.setSecretDisabled(ctx, key, false)
}

func (s *Store) DisableSecret(ctx context.Context, key string) (bool, error) {
	return s.setSecretDisabled(ctx, key, true)
}

func (s *Store) setSecretDisabled(ctx context.Context, key string, disabled bool) (bool, error) {
	return s.execAffected(ctx, "set secret state",
		fmt.Sprintf(`UPDATE %s.secrets SET disabled = $2, updated_at = $3 WHERE key = $1`, s.q),
		key, disabled, s.now().Unix())
}

func (s *Store) IsEnabled(ctx context.Context, key string) (bool, error) {
	var disabled bool
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT disabled FROM %s.secrets WHERE key = $1`, s.q), key).Scan(&disabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, s.backendErr("is enabled", err)
	}
	return !disabled, nil
}

func (s *Store) EnableVersion(ctx context.Context, key, versionID string) (bool, error) {
	return s.setVersionEnabled(ctx, key, versionID, true)
}

func (s *Store) DisableVersion(ctx context.Context, key, versionID string) (bool, error) {
	return s.setVersionEnabled(ctx, key, versionID, false)
}

func (s *Store) setVersionEnabled(ctx context.Context, key, versionID string, enabled bool) (bool, error) {
	return s.execAffected(ctx, "set version state",
		fmt.Sprintf(`UPDATE %s.versions SET enabled = $3 WHERE secret_key = $1 AND version_id = $2`, s.q),
		key, versionID, enabled)
}

func (s *Store) ListKeys(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, "list keys", fmt.Sprintf(`SELECT key FROM %s.secrets ORDER BY key`, s.q))
}

func (s *Store) queryStrings(ctx context.Context, op, query string, args ...interface{}) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.backendErr(op, err)
	}
	defer func() { _ = rows.Close() }()

	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, s.backendErr(op, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, s.backendErr(op, err)
	}
	return out, nil
}

func (s *Store) Snapshot(ctx context.Context, key string) (versionstore.Record, bool, error) {
	var (
		md       []byte
		disabled bool
	)
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT metadata, disabled FROM %s.secrets WHERE key = $1`, s.q), key).Scan(&md, &disabled)
	if errors.Is(err, sql.ErrNoRows) {
		return versionstore.Record{}, false, nil
	}
	if err != nil {
		return versionstore.Record{}, false, s.backendErr("snapshot", err)
	}

	versions, err := s.queryVersions(ctx, s.db, key)
	if err != nil {
		return versionstore.Record{}, false, err
	}

	rec := versionstore.Record{Key: key, Versions: versions, Disabled: disabled}
	if md != nil {
		rec.Metadata = json.RawMessage(md)
	}
	return rec, true, nil
}

func (s *Store) PutRecord(ctx context.Context, rec versionstore.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.backendErr("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s.secrets WHERE key = $1`, s.q), rec.Key); err != nil {
		return s.backendErr("replace secret", err)
	}

	env, loc := classify(s.schema, rec.Key, rec.Metadata)
	var md interface{}
	if rec.Metadata != nil {
		md = string(rec.Metadata)
	}
	now := s.now().Unix()
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s.secrets (key, disabled, metadata, environment, location, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)`, s.q),
		rec.Key, rec.Disabled, md, nullString(env), nullString(loc), now); err != nil {
		return s.backendErr("insert secret", err)
	}

	for _, v := range rec.Versions {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s.versions (secret_key, version_id, data, enabled, created_at) VALUES ($1, $2, $3, $4, $5)`, s.q),
			rec.Key, v.ID, string(v.Data), v.Enabled, v.CreatedAt); err != nil {
			return s.backendErr("insert version", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return s.backendErr("commit", err)
	}
	return nil
}
