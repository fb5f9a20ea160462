package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	dserrors "github.com/systmms/vstore/internal/errors"
	"github.com/systmms/vstore/internal/logging"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file settings.
const (
	EnvDatabaseURL     = "DATABASE_URL"
	EnvRequireDatabase = "VSTORE_REQUIRE_DATABASE"
	EnvDebug           = "VSTORE_DEBUG"
	EnvLogFormat       = "VSTORE_LOG_FORMAT"
)

// Config holds the runtime configuration
type Config struct {
	Path       string
	Logger     *logging.Logger
	Definition *Definition
}

// Definition represents the vstore.yaml structure
type Definition struct {
	Version   int             `yaml:"version"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Providers ProvidersConfig `yaml:"providers"`
}

// DatabaseConfig selects and tunes the relational backend.
type DatabaseConfig struct {
	// URL is the Postgres DSN. Empty selects the in-memory backend.
	URL string `yaml:"url"`
	// Require turns a failed connection into a startup error instead of a
	// fallback to memory.
	Require bool `yaml:"require"`
	// EnsureSchema creates provider schemas and tables on connect.
	EnsureSchema   bool          `yaml:"ensureSchema"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	MaxOpenConns   int           `yaml:"maxOpenConns"`
}

// LoggingConfig controls the logger built by the CLI.
type LoggingConfig struct {
	Debug  bool   `yaml:"debug"`
	Format string `yaml:"format"`
}

// ProvidersConfig carries per-provider identity used when building
// resource names such as ARNs and vault URLs.
type ProvidersConfig struct {
	AWS   AWSConfig   `yaml:"aws"`
	GCP   GCPConfig   `yaml:"gcp"`
	Azure AzureConfig `yaml:"azure"`
}

type AWSConfig struct {
	Region    string `yaml:"region"`
	AccountID string `yaml:"accountId"`
}

type GCPConfig struct {
	Project string `yaml:"project"`
}

type AzureConfig struct {
	VaultName string `yaml:"vaultName"`
	// RetentionDays is how long a deleted secret stays recoverable.
	RetentionDays int `yaml:"retentionDays"`
}

// Default returns the definition used when no file is present.
func Default() *Definition {
	return &Definition{
		Database: DatabaseConfig{
			EnsureSchema:   true,
			ConnectTimeout: 5 * time.Second,
			MaxOpenConns:   10,
		},
		Logging: LoggingConfig{Format: "console"},
		Providers: ProvidersConfig{
			AWS:   AWSConfig{Region: "us-east-1", AccountID: "123456789012"},
			GCP:   GCPConfig{Project: "test-project"},
			Azure: AzureConfig{VaultName: "test-vault", RetentionDays: 90},
		},
	}
}

// Load reads vstore.yaml when Path is set, then applies environment
// overrides and validates the result.
func (c *Config) Load() error {
	return c.LoadWithEnv(os.Getenv)
}

// LoadWithEnv is Load with an injectable environment lookup.
func (c *Config) LoadWithEnv(getenv func(string) string) error {
	def := Default()

	if c.Path != "" {
		data, err := os.ReadFile(c.Path)
		if err != nil {
			if os.IsNotExist(err) {
				return dserrors.ConfigError{
					Field:      "path",
					Value:      c.Path,
					Message:    "configuration file not found",
					Suggestion: "Create vstore.yaml or omit --config to use defaults",
				}
			}
			return dserrors.UserError{
				Message:    "Failed to read configuration file",
				Details:    err.Error(),
				Suggestion: "Check file permissions and path",
				Err:        err,
			}
		}

		if err := yaml.Unmarshal(data, def); err != nil {
			return dserrors.ConfigError{
				Message:    "invalid YAML syntax in configuration file",
				Suggestion: "Check for indentation errors, missing quotes, or invalid characters",
			}
		}
	}

	if err := def.applyEnv(getenv); err != nil {
		return err
	}
	if err := def.Validate(); err != nil {
		return err
	}

	c.Definition = def
	if c.Logger != nil {
		c.Logger.Debug("configuration loaded (database configured: %t)", def.Database.URL != "")
	}
	return nil
}

func (d *Definition) applyEnv(getenv func(string) string) error {
	if v := getenv(EnvDatabaseURL); v != "" {
		d.Database.URL = v
	}
	if v := getenv(EnvRequireDatabase); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return dserrors.ConfigError{
				Field:      EnvRequireDatabase,
				Value:      v,
				Message:    "must be a boolean",
				Suggestion: "Use true or false",
			}
		}
		d.Database.Require = b
	}
	if v := getenv(EnvDebug); v != "" {
		d.Logging.Debug, _ = strconv.ParseBool(v)
	}
	if v := getenv(EnvLogFormat); v != "" {
		d.Logging.Format = v
	}
	return nil
}

// Validate checks field-level constraints.
func (d *Definition) Validate() error {
	if d.Version != 0 {
		return dserrors.ConfigError{
			Field:      "version",
			Value:      d.Version,
			Message:    "unsupported configuration version",
			Suggestion: "Set 'version: 0' at the top of vstore.yaml",
		}
	}

	if url := d.Database.URL; url != "" &&
		!strings.HasPrefix(url, "postgres://") &&
		!strings.HasPrefix(url, "postgresql://") &&
		!strings.Contains(url, "host=") {
		return dserrors.ConfigError{
			Field:      "database.url",
			Value:      RedactDSN(url),
			Message:    "unsupported database URL",
			Suggestion: "Use a postgres:// URL or a key=value DSN",
		}
	}

	if d.Database.Require && d.Database.URL == "" {
		return dserrors.ConfigError{
			Field:      "database.require",
			Value:      true,
			Message:    "a database is required but no URL is configured",
			Suggestion: fmt.Sprintf("Set %s or database.url", EnvDatabaseURL),
		}
	}

	switch d.Logging.Format {
	case "", "console", "json":
	default:
		return dserrors.ConfigError{
			Field:      "logging.format",
			Value:      d.Logging.Format,
			Message:    "unknown log format",
			Suggestion: "Use console or json",
		}
	}

	if d.Providers.Azure.RetentionDays < 0 {
		return dserrors.ConfigError{
			Field:   "providers.azure.retentionDays",
			Value:   d.Providers.Azure.RetentionDays,
			Message: "must not be negative",
		}
	}

	return nil
}

// RedactDSN hides the credentials between the scheme and the host.
func RedactDSN(dsn string) string {
	scheme := strings.Index(dsn, "://")
	at := strings.LastIndex(dsn, "@")
	if scheme < 0 || at < scheme {
		return dsn
	}
	return dsn[:scheme+3] + logging.Secret("").String() + dsn[at:]
}
