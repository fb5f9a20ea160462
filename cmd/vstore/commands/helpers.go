package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/systmms/vstore/internal/config"
	"github.com/systmms/vstore/internal/logging"
	"github.com/systmms/vstore/internal/storage"
	"github.com/systmms/vstore/pkg/versionstore"
)

// backendOpener opens the backend of one provider. Tests replace it to
// share an in-memory backend between invocations.
var backendOpener = func(ctx context.Context, cfg *config.Config, provider string) (versionstore.Backend, error) {
	return storage.Open(ctx, storage.OptionsFromConfig(cfg.Definition.Database), provider, loggerOf(cfg), nil)
}

func loggerOf(cfg *config.Config) *logging.Logger {
	if cfg.Logger == nil {
		return logging.Nop()
	}
	return cfg.Logger
}

// loadConfig loads the configuration once per process.
func loadConfig(cfg *config.Config) error {
	if cfg.Definition != nil {
		return nil
	}
	return cfg.Load()
}

// openBackend loads the configuration and opens the provider's backend.
// The caller closes it.
func openBackend(ctx context.Context, cfg *config.Config, provider string) (versionstore.Backend, error) {
	if err := loadConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.Definition.Database.URL == "" {
		loggerOf(cfg).Warn("no database configured; data written by this command is lost on exit")
	}
	return backendOpener(ctx, cfg, provider)
}

func writeJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

// versionView is the JSON rendering of a stored version.
type versionView struct {
	ID        string          `json:"id"`
	CreatedAt int64           `json:"created_at"`
	Enabled   bool            `json:"enabled"`
	Stages    []string        `json:"stages,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Value     string          `json:"value,omitempty"`
}
