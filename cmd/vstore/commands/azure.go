package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
	"github.com/spf13/cobra"

	"github.com/systmms/vstore/internal/config"
	"github.com/systmms/vstore/internal/emulator"
	dserrors "github.com/systmms/vstore/internal/errors"
	"github.com/systmms/vstore/internal/providers"
	"github.com/systmms/vstore/internal/storage"
)

// NewAzureCommand groups the Key Vault style operations.
func NewAzureCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "azure",
		Short: "Key Vault style operations with soft delete",
	}
	cmd.AddCommand(
		newAzureSetCommand(cfg),
		newAzureGetCommand(cfg),
		newAzureDeleteCommand(cfg),
		newAzureRecoverCommand(cfg),
		newAzurePurgeCommand(cfg),
		newAzureBackupCommand(cfg),
		newAzureRestoreCommand(cfg),
	)
	return cmd
}

func openVault(ctx context.Context, cfg *config.Config) (*emulator.AzureKeyVault, func(), error) {
	store, closeFn, err := openAzure(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	azCfg := cfg.Definition.Providers.Azure
	return emulator.NewAzureKeyVault(store, azCfg.VaultName, azCfg.RetentionDays), closeFn, nil
}

func openAzure(ctx context.Context, cfg *config.Config) (*providers.AzureSecretStore, func(), error) {
	backend, err := openBackend(ctx, cfg, storage.ProviderAzure)
	if err != nil {
		return nil, nil, err
	}
	store := providers.NewAzureSecretStore(backend,
		providers.WithLogger(loggerOf(cfg)),
		providers.WithRetentionDays(cfg.Definition.Providers.Azure.RetentionDays),
	)
	return store, func() { _ = backend.Close() }, nil
}

func azureUserError(name string, err error) error {
	switch {
	case errors.Is(err, providers.ErrSecretNotFound), errors.Is(err, providers.ErrVersionNotFound):
		return notFound(name)
	case errors.Is(err, providers.ErrSecretDeleted):
		return dserrors.UserError{
			Message:    fmt.Sprintf("Secret %q is deleted", name),
			Suggestion: fmt.Sprintf("Run 'vstore azure recover %s' or purge it first", name),
			Err:        err,
		}
	case errors.Is(err, providers.ErrSecretDisabled), errors.Is(err, providers.ErrVersionDisabled):
		return dserrors.UserError{
			Message:    fmt.Sprintf("Secret %q is disabled", name),
			Suggestion: "Enable the secret or version before reading it",
			Err:        err,
		}
	case errors.Is(err, providers.ErrDeletedNotFound):
		return dserrors.UserError{
			Message:    fmt.Sprintf("No deleted secret named %q", name),
			Suggestion: "Check the name of the deleted secret",
			Err:        err,
		}
	}
	return dserrors.ProviderError(storage.ProviderAzure, "request", err)
}

func newAzureSetCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "set NAME VALUE",
		Short: "Set a secret value as a new version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			store, closeFn, err := openAzure(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			id, err := store.SetSecret(ctx, args[0], args[1])
			if err != nil {
				return azureUserError(args[0], err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

func newAzureGetCommand(cfg *config.Config) *cobra.Command {
	var (
		version    string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "get NAME",
		Short: "Read the latest value or a specific version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			store, closeFn, err := openAzure(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			v, err := store.GetSecret(ctx, args[0], version)
			if err != nil {
				return azureUserError(args[0], err)
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), versionView{
					ID:        v.ID,
					CreatedAt: v.CreatedAt,
					Enabled:   v.Enabled,
					Value:     providers.SecretValue(v),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), providers.SecretValue(v))
			return nil
		},
	}

	cmd.Flags().StringVar(&version, "version", "", "Version id (default: latest)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the version as JSON")
	return cmd
}

func newAzureDeleteCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Soft delete a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			store, closeFn, err := openAzure(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			rec, ok, err := store.DeleteSecret(ctx, args[0])
			if err != nil {
				return azureUserError(args[0], err)
			}
			if !ok {
				return notFound(args[0])
			}
			purgeAt := time.Unix(rec.ScheduledPurgeAt, 0).UTC()
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s, scheduled purge on %s\n", args[0], purgeAt.Format("2006-01-02"))
			return nil
		},
	}
}

func newAzureRecoverCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "recover NAME",
		Short: "Recover a soft-deleted secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			store, closeFn, err := openAzure(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			ok, err := store.RecoverSecret(ctx, args[0])
			if err != nil {
				return azureUserError(args[0], err)
			}
			if !ok {
				return azureUserError(args[0], providers.ErrDeletedNotFound)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recovered %s\n", args[0])
			return nil
		},
	}
}

func newAzurePurgeCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "purge NAME",
		Short: "Permanently remove a soft-deleted secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			store, closeFn, err := openAzure(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			ok, err := store.PurgeDeletedSecret(ctx, args[0])
			if err != nil {
				return azureUserError(args[0], err)
			}
			if !ok {
				return azureUserError(args[0], providers.ErrDeletedNotFound)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %s\n", args[0])
			return nil
		},
	}
}

func newAzureBackupCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "backup NAME",
		Short: "Print a backup blob of a secret and all its versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			vault, closeFn, err := openVault(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			resp, err := vault.BackupSecret(ctx, args[0], nil)
			if err != nil {
				return dserrors.ProviderError(storage.ProviderAzure, "backup", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(resp.Value))
			return nil
		},
	}
}

func newAzureRestoreCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "restore BLOB",
		Short: "Restore a secret from a backup blob and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			vault, closeFn, err := openVault(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			resp, err := vault.RestoreSecret(ctx, azsecrets.RestoreSecretParameters{SecretBackup: []byte(args[0])}, nil)
			if err != nil {
				return dserrors.ProviderError(storage.ProviderAzure, "restore", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(*resp.ID))
			return nil
		},
	}
}
