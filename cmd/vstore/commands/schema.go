package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/systmms/vstore/internal/config"
	dserrors "github.com/systmms/vstore/internal/errors"
	"github.com/systmms/vstore/internal/storage"
)

// NewSchemaCommand creates the Postgres schemas and tables.
func NewSchemaCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Create the Postgres schemas and tables",
		Long: `Create the aws, gcp and azure schemas with their tables.

The command is idempotent and fails instead of falling back to memory when
the database cannot be reached.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cfg); err != nil {
				return err
			}
			opts := storage.OptionsFromConfig(cfg.Definition.Database)
			if opts.DSN == "" {
				return dserrors.UserError{
					Message:    "No database configured",
					Suggestion: fmt.Sprintf("Set %s or database.url in vstore.yaml", config.EnvDatabaseURL),
				}
			}
			opts.Require = true
			opts.EnsureSchema = true

			backends, err := storage.NewSelector(opts, loggerOf(cfg), nil).OpenAll(context.Background())
			if err != nil {
				return dserrors.SimplifyError(err)
			}
			defer func() { _ = backends.Close() }()

			fmt.Fprintln(cmd.OutOrStdout(), "schemas aws, gcp and azure are ready")
			return nil
		},
	}
}
