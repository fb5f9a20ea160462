package providers

import (
	"time"

	"github.com/systmms/vstore/internal/logging"
	"github.com/systmms/vstore/internal/metrics"
	"github.com/systmms/vstore/pkg/versionstore"
)

// Option configures a provider store.
type Option func(*storeOptions)

type storeOptions struct {
	logger  *logging.Logger
	metrics *metrics.StoreMetrics
	now     func() time.Time
	labels  versionstore.LabelStore
	deleted versionstore.DeletedStore
	// retention is the Azure soft-delete purge delay.
	retention time.Duration
}

// DefaultRetentionDays is the Azure soft-delete retention period.
const DefaultRetentionDays = 90

// WithLogger sets the logger used by the store.
func WithLogger(logger *logging.Logger) Option {
	return func(o *storeOptions) {
		o.logger = logger
	}
}

// WithMetrics enables operation metrics.
func WithMetrics(m *metrics.StoreMetrics) Option {
	return func(o *storeOptions) {
		o.metrics = m
	}
}

// WithClock overrides the clock used for generated ids and deletion dates.
func WithClock(now func() time.Time) Option {
	return func(o *storeOptions) {
		o.now = now
	}
}

// WithLabelStore overrides the staging-label table (AWS).
func WithLabelStore(ls versionstore.LabelStore) Option {
	return func(o *storeOptions) {
		o.labels = ls
	}
}

// WithDeletedStore overrides the deleted-record table (Azure).
func WithDeletedStore(ds versionstore.DeletedStore) Option {
	return func(o *storeOptions) {
		o.deleted = ds
	}
}

// WithRetentionDays sets how long Azure keeps deleted secrets before their
// scheduled purge date. Non-positive values keep the default.
func WithRetentionDays(days int) Option {
	return func(o *storeOptions) {
		if days > 0 {
			o.retention = time.Duration(days) * 24 * time.Hour
		}
	}
}

func buildOptions(provider string, opts []Option) storeOptions {
	o := storeOptions{
		logger:    logging.Nop(),
		now:       time.Now,
		retention: DefaultRetentionDays * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With("provider", provider)
	return o
}

// observe records one operation; use as
// defer o.observe(provider, backend, "op", time.Now(), &err).
func (o storeOptions) observe(provider string, backend versionstore.Backend, op string, start time.Time, errp *error) {
	var err error
	if errp != nil {
		err = *errp
	}
	o.metrics.ObserveOperation(provider, backend.Kind().String(), op, start, err)
}
