package storage

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/vstore/internal/config"
	dserrors "github.com/systmms/vstore/internal/errors"
	"github.com/systmms/vstore/internal/logging"
	"github.com/systmms/vstore/internal/metrics"
	"github.com/systmms/vstore/internal/storage/postgres"
	"github.com/systmms/vstore/pkg/versionstore"
)

func failingConnect(ctx context.Context, dsn, schema string, opts ...postgres.Option) (*postgres.Store, error) {
	return nil, fmt.Errorf("dial tcp 127.0.0.1:5432: connect: connection refused")
}

func mockConnect(t *testing.T) connectFunc {
	return func(ctx context.Context, dsn, schema string, opts ...postgres.Option) (*postgres.Store, error) {
		db, _, err := sqlmock.New()
		require.NoError(t, err)
		return postgres.New(db, schema, opts...)
	}
}

func TestOpenWithoutDSNUsesMemory(t *testing.T) {
	t.Parallel()

	m := metrics.New(prometheus.NewRegistry())
	backend, err := Open(context.Background(), Options{}, ProviderAWS, logging.Nop(), m)
	require.NoError(t, err)
	assert.Equal(t, versionstore.KindMemory, backend.Kind())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackendSelected.WithLabelValues("aws", "memory")))
}

func TestOpenUnknownProvider(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Options{}, "oracle", nil, nil)
	assert.Error(t, err)
}

func TestOpenFallsBackWhenDatabaseUnreachable(t *testing.T) {
	t.Parallel()

	m := metrics.New(prometheus.NewRegistry())
	s := NewSelector(Options{DSN: "postgres://db/x", ConnectTimeout: time.Second}, logging.Nop(), m)
	s.connect = failingConnect

	backend, err := s.Open(context.Background(), ProviderGCP)
	require.NoError(t, err)
	assert.Equal(t, versionstore.KindMemory, backend.Kind())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackendFallbacks.WithLabelValues("gcp")))
}

func TestFallbackLogsWhetherFailureIsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		connect   connectFunc
		retryable string
	}{
		{"connection refused", failingConnect, `"retryable":true`},
		{"bad credentials", func(ctx context.Context, dsn, schema string, opts ...postgres.Option) (*postgres.Store, error) {
			return nil, fmt.Errorf("pq: password authentication failed for user \"vstore\"")
		}, `"retryable":false`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := logging.NewWithOptions(logging.Options{Writer: &buf, Format: "json"})
			s := NewSelector(Options{DSN: "postgres://db/x"}, logger, nil)
			s.connect = tt.connect

			_, err := s.Open(context.Background(), ProviderAWS)
			require.NoError(t, err)
			assert.Contains(t, buf.String(), "falling back to in-memory store")
			assert.Contains(t, buf.String(), tt.retryable)
		})
	}
}

func TestOpenRequireDatabaseSurfacesError(t *testing.T) {
	t.Parallel()

	s := NewSelector(Options{DSN: "postgres://db/x", Require: true}, nil, nil)
	s.connect = failingConnect

	backend, err := s.Open(context.Background(), ProviderAzure)
	require.Error(t, err)
	assert.Nil(t, backend)
	assert.True(t, dserrors.IsBackend(err))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestOpenPostgres(t *testing.T) {
	t.Parallel()

	s := NewSelector(Options{DSN: "postgres://db/x", MaxOpenConns: 4}, logging.Nop(), nil)
	s.connect = mockConnect(t)

	backend, err := s.Open(context.Background(), ProviderAWS)
	require.NoError(t, err)
	assert.Equal(t, versionstore.KindPostgres, backend.Kind())

	store, ok := backend.(*postgres.Store)
	require.True(t, ok)
	assert.Equal(t, "aws", store.Schema())
	assert.Equal(t, 4, store.DB().Stats().MaxOpenConnections)
}

func TestOpenAll(t *testing.T) {
	t.Parallel()

	s := NewSelector(Options{}, logging.Nop(), nil)
	backends, err := s.OpenAll(context.Background())
	require.NoError(t, err)
	require.NotNil(t, backends.AWS)
	require.NotNil(t, backends.GCP)
	require.NotNil(t, backends.Azure)
	assert.NotSame(t, backends.AWS, backends.GCP)
	assert.NoError(t, backends.Close())
}

func TestOpenAllRequireFails(t *testing.T) {
	t.Parallel()

	s := NewSelector(Options{DSN: "postgres://db/x", Require: true}, logging.Nop(), nil)
	s.connect = failingConnect

	_, err := s.OpenAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend")
}

func TestOptionsFromConfig(t *testing.T) {
	t.Parallel()

	opts := OptionsFromConfig(config.DatabaseConfig{
		URL:            "postgres://db/x",
		Require:        true,
		EnsureSchema:   true,
		ConnectTimeout: 3 * time.Second,
		MaxOpenConns:   7,
	})
	assert.Equal(t, Options{
		DSN:            "postgres://db/x",
		Require:        true,
		EnsureSchema:   true,
		ConnectTimeout: 3 * time.Second,
		MaxOpenConns:   7,
	}, opts)
}
