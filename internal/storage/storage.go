// Package storage selects the backend each provider layer runs on.
//
// Selection happens once per process: an empty DSN means in-memory, a DSN
// means Postgres. When Postgres cannot be reached the store falls back to
// memory with a warning, unless Require is set.
package storage

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/systmms/vstore/internal/config"
	dserrors "github.com/systmms/vstore/internal/errors"
	"github.com/systmms/vstore/internal/logging"
	"github.com/systmms/vstore/internal/metrics"
	"github.com/systmms/vstore/internal/storage/postgres"
	"github.com/systmms/vstore/pkg/versionstore"
)

// Provider names double as Postgres schema names.
const (
	ProviderAWS   = postgres.SchemaAWS
	ProviderGCP   = postgres.SchemaGCP
	ProviderAzure = postgres.SchemaAzure
)

// Options controls backend selection.
type Options struct {
	DSN            string
	Require        bool
	EnsureSchema   bool
	ConnectTimeout time.Duration
	MaxOpenConns   int
}

// OptionsFromConfig maps the database section of vstore.yaml.
func OptionsFromConfig(cfg config.DatabaseConfig) Options {
	return Options{
		DSN:            cfg.URL,
		Require:        cfg.Require,
		EnsureSchema:   cfg.EnsureSchema,
		ConnectTimeout: cfg.ConnectTimeout,
		MaxOpenConns:   cfg.MaxOpenConns,
	}
}

type connectFunc func(ctx context.Context, dsn, schema string, opts ...postgres.Option) (*postgres.Store, error)

// Selector opens backends according to Options.
type Selector struct {
	Options Options
	Logger  *logging.Logger
	Metrics *metrics.StoreMetrics

	connect connectFunc
}

// NewSelector creates a Selector that connects with lib/pq.
func NewSelector(opts Options, logger *logging.Logger, m *metrics.StoreMetrics) *Selector {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Selector{
		Options: opts,
		Logger:  logger,
		Metrics: m,
		connect: postgres.Open,
	}
}

// Open returns the backend for one provider.
func Open(ctx context.Context, opts Options, provider string, logger *logging.Logger, m *metrics.StoreMetrics) (versionstore.Backend, error) {
	return NewSelector(opts, logger, m).Open(ctx, provider)
}

// Open returns the backend for provider.
func (s *Selector) Open(ctx context.Context, provider string) (versionstore.Backend, error) {
	logger := s.Logger.With("provider", provider)

	switch provider {
	case ProviderAWS, ProviderGCP, ProviderAzure:
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}

	if s.Options.DSN == "" {
		logger.Info("using in-memory store for %s", provider)
		s.Metrics.BackendChosen(provider, string(versionstore.KindMemory))
		return versionstore.NewMemory(), nil
	}

	store, err := s.openPostgres(ctx, provider, logger)
	if err != nil {
		if s.Options.Require {
			return nil, err
		}
		logger.With("retryable", dserrors.IsRetryable(err)).
			Warn("database unavailable for %s, falling back to in-memory store: %v", provider, err)
		s.Metrics.BackendFellBack(provider)
		s.Metrics.BackendChosen(provider, string(versionstore.KindMemory))
		return versionstore.NewMemory(), nil
	}

	logger.Info("using postgres store for %s (schema %s)", provider, store.Schema())
	s.Metrics.BackendChosen(provider, string(versionstore.KindPostgres))
	return store, nil
}

func (s *Selector) openPostgres(ctx context.Context, provider string, logger *logging.Logger) (*postgres.Store, error) {
	if s.Options.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Options.ConnectTimeout)
		defer cancel()
	}

	store, err := s.connect(ctx, s.Options.DSN, provider, postgres.WithLogger(logger))
	if err != nil {
		if !dserrors.IsBackend(err) {
			err = dserrors.BackendError{Backend: "postgres", Operation: "connect", Err: err}
		}
		return nil, err
	}

	if s.Options.MaxOpenConns > 0 {
		store.DB().SetMaxOpenConns(s.Options.MaxOpenConns)
	}

	if s.Options.EnsureSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	return store, nil
}

// Backends holds the backend of every provider.
type Backends struct {
	AWS   versionstore.Backend
	GCP   versionstore.Backend
	Azure versionstore.Backend
}

// OpenAll opens the three provider backends concurrently.
func (s *Selector) OpenAll(ctx context.Context) (*Backends, error) {
	var b Backends
	targets := map[string]*versionstore.Backend{
		ProviderAWS:   &b.AWS,
		ProviderGCP:   &b.GCP,
		ProviderAzure: &b.Azure,
	}

	g, gctx := errgroup.WithContext(ctx)
	for provider, dst := range targets {
		g.Go(func() error {
			backend, err := s.Open(gctx, provider)
			if err != nil {
				return fmt.Errorf("open %s backend: %w", provider, err)
			}
			*dst = backend
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		_ = b.Close()
		return nil, err
	}
	return &b, nil
}

// Close closes every opened backend.
func (b *Backends) Close() error {
	var first error
	for _, backend := range []versionstore.Backend{b.AWS, b.GCP, b.Azure} {
		if backend == nil {
			continue
		}
		if err := backend.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
