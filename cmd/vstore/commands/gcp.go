package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/systmms/vstore/internal/config"
	dserrors "github.com/systmms/vstore/internal/errors"
	"github.com/systmms/vstore/internal/providers"
	"github.com/systmms/vstore/internal/storage"
)

// NewGCPCommand groups the Secret Manager style operations.
func NewGCPCommand(cfg *config.Config) *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:   "gcp",
		Short: "Secret Manager style operations with numbered versions",
	}
	cmd.PersistentFlags().StringVar(&project, "project", "", "Project id (default: providers.gcp.project)")

	cmd.AddCommand(
		newGCPAddCommand(cfg, &project),
		newGCPAccessCommand(cfg, &project),
		newGCPListCommand(cfg, &project),
	)
	return cmd
}

func openGCP(ctx context.Context, cfg *config.Config, project *string) (*providers.GCPSecretStore, string, func(), error) {
	backend, err := openBackend(ctx, cfg, storage.ProviderGCP)
	if err != nil {
		return nil, "", nil, err
	}
	p := *project
	if p == "" {
		p = cfg.Definition.Providers.GCP.Project
	}
	if p == "" {
		_ = backend.Close()
		return nil, "", nil, dserrors.UserError{
			Message:    "No project selected",
			Suggestion: "Pass --project or set providers.gcp.project in vstore.yaml",
		}
	}
	store := providers.NewGCPSecretStore(backend, providers.WithLogger(loggerOf(cfg)))
	return store, p, func() { _ = backend.Close() }, nil
}

func newGCPAddCommand(cfg *config.Config, project *string) *cobra.Command {
	return &cobra.Command{
		Use:   "add SECRET VALUE",
		Short: "Add a version to a secret, creating the secret if needed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			store, p, closeFn, err := openGCP(ctx, cfg, project)
			if err != nil {
				return err
			}
			defer closeFn()

			if _, err := store.CreateSecret(ctx, p, args[0], providers.SecretMetadata{
				Replication: &providers.Replication{Automatic: true},
			}); err != nil {
				return dserrors.ProviderError(storage.ProviderGCP, "add", err)
			}
			id, err := store.AddPayload(ctx, p, args[0], []byte(args[1]))
			if err != nil {
				return dserrors.ProviderError(storage.ProviderGCP, "add", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "projects/%s/secrets/%s/versions/%s\n", p, args[0], id)
			return nil
		},
	}
}

func newGCPAccessCommand(cfg *config.Config, project *string) *cobra.Command {
	var version string

	cmd := &cobra.Command{
		Use:   "access SECRET",
		Short: "Print the payload of a version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			store, p, closeFn, err := openGCP(ctx, cfg, project)
			if err != nil {
				return err
			}
			defer closeFn()

			v, ok, err := store.AccessVersion(ctx, p, args[0], version)
			if err != nil {
				return dserrors.ProviderError(storage.ProviderGCP, "access", err)
			}
			if !ok {
				return dserrors.UserError{
					Message:    fmt.Sprintf("Version %s of %s not found or disabled", version, args[0]),
					Suggestion: "List versions or enable the secret",
				}
			}
			payload, err := providers.DecodePayload(v)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(payload))
			return nil
		},
	}

	cmd.Flags().StringVar(&version, "version", providers.LatestVersion, "Version number or latest")
	return cmd
}

func newGCPListCommand(cfg *config.Config, project *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List secret ids in the project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			store, p, closeFn, err := openGCP(ctx, cfg, project)
			if err != nil {
				return err
			}
			defer closeFn()

			names, err := store.ListSecrets(ctx, p)
			if err != nil {
				return dserrors.ProviderError(storage.ProviderGCP, "list", err)
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}
