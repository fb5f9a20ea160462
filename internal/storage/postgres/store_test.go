package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dserrors "github.com/systmms/vstore/internal/errors"
	"github.com/systmms/vstore/pkg/versionstore"
)

const fixedUnix = int64(1700000000)

func newMockStore(t *testing.T, schema string) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := New(db, schema, WithClock(func() time.Time { return time.Unix(fixedUnix, 0) }))
	require.NoError(t, err)
	return s, mock
}

func q(sql string) string {
	return regexp.QuoteMeta(sql)
}

var versionColumns = []string{"version_id", "data", "enabled", "created_at"}

func TestNewRejectsUnknownSchema(t *testing.T) {
	t.Parallel()

	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	_, err = New(db, "public")
	assert.Error(t, err)

	s, err := New(db, SchemaAzure)
	require.NoError(t, err)
	assert.Equal(t, versionstore.KindPostgres, s.Kind())
	assert.Equal(t, "azure", s.Schema())
}

func TestAddVersionExplicitID(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t, SchemaAWS)

	mock.ExpectBegin()
	mock.ExpectExec(q(`INSERT INTO "aws".secrets (key, created_at, updated_at)`)).
		WithArgs("db-password", fixedUnix).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(q(`SELECT version_id, data, enabled, created_at FROM "aws".versions WHERE secret_key = $1 ORDER BY seq`)).
		WithArgs("db-password").
		WillReturnRows(sqlmock.NewRows(versionColumns).AddRow("a", []byte(`{}`), true, fixedUnix-10))
	mock.ExpectExec(q(`INSERT INTO "aws".versions (secret_key, version_id, data, enabled, created_at)`)).
		WithArgs("db-password", "b", `{"SecretString":"x"}`, fixedUnix).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	id, err := s.AddVersion(context.Background(), "db-password", json.RawMessage(`{"SecretString":"x"}`), "b", nil)
	require.NoError(t, err)
	assert.Equal(t, "b", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddVersionGeneratorSeesExisting(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t, SchemaGCP)

	mock.ExpectBegin()
	mock.ExpectExec(q(`INSERT INTO "gcp".secrets`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(q(`FROM "gcp".versions WHERE secret_key = $1 ORDER BY seq`)).
		WillReturnRows(sqlmock.NewRows(versionColumns).
			AddRow("1", []byte(`{}`), true, fixedUnix).
			AddRow("2", []byte(`{}`), false, fixedUnix))
	mock.ExpectExec(q(`INSERT INTO "gcp".versions`)).
		WithArgs("projects/p/secrets/s", "3", `{}`, fixedUnix).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	gen := func(key string, existing []versionstore.Version) string {
		return fmt.Sprintf("%d", len(existing)+1)
	}
	id, err := s.AddVersion(context.Background(), "projects/p/secrets/s", json.RawMessage(`{}`), "", gen)
	require.NoError(t, err)
	assert.Equal(t, "3", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddVersionDuplicateRollsBack(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t, SchemaAzure)

	mock.ExpectBegin()
	mock.ExpectExec(q(`INSERT INTO "azure".secrets`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(q(`FROM "azure".versions`)).
		WillReturnRows(sqlmock.NewRows(versionColumns).AddRow("v1", []byte(`{}`), true, fixedUnix))
	mock.ExpectRollback()

	_, err := s.AddVersion(context.Background(), "k", json.RawMessage(`{}`), "v1", nil)
	assert.ErrorIs(t, err, versionstore.ErrDuplicateVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddVersionBackendFailure(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t, SchemaAWS)

	mock.ExpectBegin().WillReturnError(fmt.Errorf("connection lost"))

	_, err := s.AddVersion(context.Background(), "k", json.RawMessage(`{}`), "v1", nil)
	require.Error(t, err)
	assert.True(t, dserrors.IsBackend(err))
	assert.Contains(t, err.Error(), "begin transaction")

	_, err = s.AddVersion(context.Background(), "k", json.RawMessage(`{}`), "", nil)
	assert.ErrorIs(t, err, versionstore.ErrEmptyVersionID)
}

func TestGetAndLatestVersion(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t, SchemaAWS)
	ctx := context.Background()

	mock.ExpectQuery(q(`FROM "aws".versions WHERE secret_key = $1 AND version_id = $2`)).
		WithArgs("k", "v1").
		WillReturnRows(sqlmock.NewRows(versionColumns).AddRow("v1", []byte(`{"a":1}`), false, fixedUnix))
	mock.ExpectQuery(q(`FROM "aws".versions WHERE secret_key = $1 AND version_id = $2`)).
		WithArgs("k", "nope").
		WillReturnRows(sqlmock.NewRows(versionColumns))
	mock.ExpectQuery(q(`ORDER BY seq DESC LIMIT 1`)).
		WithArgs("k").
		WillReturnRows(sqlmock.NewRows(versionColumns).AddRow("v2", []byte(`{"a":2}`), true, fixedUnix))

	v, ok, err := s.GetVersion(ctx, "k", "v1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, v.Enabled)
	assert.JSONEq(t, `{"a":1}`, string(v.Data))

	_, ok, err = s.GetVersion(ctx, "k", "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	latest, ok, err := s.LatestVersion(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", latest.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListVersionsAbsentVsEmpty(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t, SchemaGCP)
	ctx := context.Background()

	mock.ExpectQuery(q(`SELECT EXISTS (SELECT 1 FROM "gcp".secrets WHERE key = $1)`)).
		WithArgs("never").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(q(`SELECT EXISTS`)).
		WithArgs("meta-only").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(q(`FROM "gcp".versions WHERE secret_key = $1 ORDER BY seq`)).
		WithArgs("meta-only").
		WillReturnRows(sqlmock.NewRows(versionColumns))

	versions, ok, err := s.ListVersions(ctx, "never")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, versions)

	versions, ok, err = s.ListVersions(ctx, "meta-only")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotNil(t, versions)
	assert.Empty(t, versions)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMetadataRoundTrip(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t, SchemaGCP)
	ctx := context.Background()

	md := json.RawMessage(`{"labels":{"env":"prod","region":"europe-west1"}}`)
	mock.ExpectExec(q(`INSERT INTO "gcp".secrets (key, metadata, environment, location, created_at, updated_at)`)).
		WithArgs("projects/p/secrets/s", string(md), "prod", "europe-west1", fixedUnix).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(q(`SELECT metadata FROM "gcp".secrets WHERE key = $1`)).
		WithArgs("projects/p/secrets/s").
		WillReturnRows(sqlmock.NewRows([]string{"metadata"}).AddRow([]byte(md)))
	mock.ExpectQuery(q(`SELECT metadata FROM "gcp".secrets WHERE key = $1`)).
		WithArgs("projects/p/secrets/bare").
		WillReturnRows(sqlmock.NewRows([]string{"metadata"}).AddRow(nil))
	mock.ExpectQuery(q(`SELECT metadata FROM "gcp".secrets WHERE key = $1`)).
		WithArgs("projects/p/secrets/none").
		WillReturnRows(sqlmock.NewRows([]string{"metadata"}))

	require.NoError(t, s.UpdateMetadata(ctx, "projects/p/secrets/s", md))

	got, ok, err := s.GetMetadata(ctx, "projects/p/secrets/s")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, string(md), string(got))

	_, ok, err = s.GetMetadata(ctx, "projects/p/secrets/bare")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.GetMetadata(ctx, "projects/p/secrets/none")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStateToggles(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t, SchemaAzure)
	ctx := context.Background()

	mock.ExpectExec(q(`UPDATE "azure".secrets SET disabled = $2`)).
		WithArgs("k", true, fixedUnix).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q(`UPDATE "azure".secrets SET disabled = $2`)).
		WithArgs("absent", false, fixedUnix).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q(`UPDATE "azure".versions SET enabled = $3`)).
		WithArgs("k", "v1", false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(q(`SELECT disabled FROM "azure".secrets`)).
		WithArgs("k").
		WillReturnRows(sqlmock.NewRows([]string{"disabled"}).AddRow(true))
	mock.ExpectQuery(q(`SELECT disabled FROM "azure".secrets`)).
		WithArgs("absent").
		WillReturnRows(sqlmock.NewRows([]string{"disabled"}))
	mock.ExpectExec(q(`DELETE FROM "azure".secrets WHERE key = $1`)).
		WithArgs("k").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.DisableSecret(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.EnableSecret(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.DisableVersion(ctx, "k", "v1")
	require.NoError(t, err)
	assert.True(t, ok)

	enabled, err := s.IsEnabled(ctx, "k")
	require.NoError(t, err)
	assert.False(t, enabled)

	enabled, err = s.IsEnabled(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, enabled)

	deleted, err := s.DeleteSecret(ctx, "k")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotAndPutRecord(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t, SchemaAzure)
	ctx := context.Background()

	mock.ExpectQuery(q(`SELECT metadata, disabled FROM "azure".secrets WHERE key = $1`)).
		WithArgs("api-key").
		WillReturnRows(sqlmock.NewRows([]string{"metadata", "disabled"}).AddRow([]byte(`{"tags":{"env":"dev"}}`), true))
	mock.ExpectQuery(q(`FROM "azure".versions WHERE secret_key = $1 ORDER BY seq`)).
		WithArgs("api-key").
		WillReturnRows(sqlmock.NewRows(versionColumns).AddRow("abc", []byte(`{"value":"v"}`), true, fixedUnix-5))

	rec, ok, err := s.Snapshot(ctx, "api-key")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rec.Disabled)
	require.Len(t, rec.Versions, 1)
	assert.Equal(t, fixedUnix-5, rec.Versions[0].CreatedAt)

	mock.ExpectBegin()
	mock.ExpectExec(q(`DELETE FROM "azure".secrets WHERE key = $1`)).
		WithArgs("api-key").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q(`INSERT INTO "azure".secrets (key, disabled, metadata, environment, location, created_at, updated_at)`)).
		WithArgs("api-key", true, `{"tags":{"env":"dev"}}`, "dev", sqlmock.AnyArg(), fixedUnix).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q(`INSERT INTO "azure".versions`)).
		WithArgs("api-key", "abc", `{"value":"v"}`, true, fixedUnix-5).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.PutRecord(ctx, rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListKeys(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t, SchemaAWS)

	mock.ExpectQuery(q(`SELECT key FROM "aws".secrets ORDER BY key`)).
		WillReturnRows(sqlmock.NewRows([]string{"key"}).AddRow("a").AddRow("b"))

	keys, err := s.ListKeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	tests := []struct {
		schema string
		side   string
	}{
		{SchemaAWS, `CREATE TABLE IF NOT EXISTS "aws".staging_labels`},
		{SchemaAzure, `CREATE TABLE IF NOT EXISTS "azure".deleted_secrets`},
		{SchemaGCP, ""},
	}

	for _, tt := range tests {
		t.Run(tt.schema, func(t *testing.T) {
			t.Parallel()
			s, mock := newMockStore(t, tt.schema)

			mock.ExpectBegin()
			mock.ExpectExec(q(fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS "%s"`, tt.schema))).WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectExec(q(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s".secrets`, tt.schema))).WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectExec(q(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s".versions`, tt.schema))).WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectExec(q(`CREATE INDEX IF NOT EXISTS idx_` + tt.schema + `_versions_order`)).WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectExec(q(`CREATE INDEX IF NOT EXISTS idx_` + tt.schema + `_secrets_environment`)).WillReturnResult(sqlmock.NewResult(0, 0))
			if tt.side != "" {
				mock.ExpectExec(q(tt.side)).WillReturnResult(sqlmock.NewResult(0, 0))
			}
			mock.ExpectCommit()

			require.NoError(t, s.EnsureSchema(context.Background()))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestEnsureSchemaFailure(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t, SchemaGCP)

	mock.ExpectBegin()
	mock.ExpectExec(q(`CREATE SCHEMA IF NOT EXISTS "gcp"`)).WillReturnError(fmt.Errorf("permission denied for database"))
	mock.ExpectRollback()

	err := s.EnsureSchema(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CREATE SCHEMA")
	assert.NoError(t, mock.ExpectationsWereMet())
}
