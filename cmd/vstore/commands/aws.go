package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/spf13/cobra"

	"github.com/systmms/vstore/internal/config"
	"github.com/systmms/vstore/internal/emulator"
	dserrors "github.com/systmms/vstore/internal/errors"
	"github.com/systmms/vstore/internal/providers"
	"github.com/systmms/vstore/internal/storage"
)

// NewAWSCommand groups the Secrets Manager style operations.
func NewAWSCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aws",
		Short: "Secrets Manager style operations with staging labels",
	}
	cmd.AddCommand(
		newAWSPutCommand(cfg),
		newAWSGetCommand(cfg),
		newAWSDescribeCommand(cfg),
		newAWSDeleteCommand(cfg),
		newAWSRestoreCommand(cfg),
	)
	return cmd
}

func openAWS(ctx context.Context, cfg *config.Config) (*providers.AWSSecretStore, func(), error) {
	backend, err := openBackend(ctx, cfg, storage.ProviderAWS)
	if err != nil {
		return nil, nil, err
	}
	store := providers.NewAWSSecretStore(backend, providers.WithLogger(loggerOf(cfg)))
	return store, func() { _ = backend.Close() }, nil
}

func newAWSPutCommand(cfg *config.Config) *cobra.Command {
	var versionID string

	cmd := &cobra.Command{
		Use:   "put NAME VALUE",
		Short: "Store a new version and make it AWSCURRENT",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			store, closeFn, err := openAWS(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			data, err := json.Marshal(map[string]string{"SecretString": args[1]})
			if err != nil {
				return err
			}
			id, err := store.AddVersion(ctx, args[0], data, versionID)
			if err != nil {
				return dserrors.ProviderError(storage.ProviderAWS, "put", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	cmd.Flags().StringVar(&versionID, "version-id", "", "Explicit version id (client request token)")
	return cmd
}

func newAWSGetCommand(cfg *config.Config) *cobra.Command {
	var (
		versionID  string
		stage      string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "get NAME",
		Short: "Read a version by id, staging label, or AWSCURRENT",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if versionID != "" && stage != "" {
				return dserrors.UserError{
					Message:    "Conflicting selectors",
					Suggestion: "Use either --version-id or --stage",
				}
			}

			ctx := context.Background()
			store, closeFn, err := openAWS(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			name := args[0]
			var (
				v     = versionView{}
				found bool
			)
			switch {
			case versionID != "":
				ver, ok, err := store.GetVersion(ctx, name, versionID)
				if err != nil {
					return dserrors.ProviderError(storage.ProviderAWS, "get", err)
				}
				v, found = versionView{ID: ver.ID, CreatedAt: ver.CreatedAt, Enabled: ver.Enabled, Data: ver.Data}, ok
			case stage != "":
				ver, ok, err := store.GetVersionByLabel(ctx, name, stage)
				if err != nil {
					return dserrors.ProviderError(storage.ProviderAWS, "get", err)
				}
				v, found = versionView{ID: ver.ID, CreatedAt: ver.CreatedAt, Enabled: ver.Enabled, Data: ver.Data}, ok
			default:
				ver, ok, err := store.GetCurrent(ctx, name)
				if err != nil {
					return dserrors.ProviderError(storage.ProviderAWS, "get", err)
				}
				v, found = versionView{ID: ver.ID, CreatedAt: ver.CreatedAt, Enabled: ver.Enabled, Data: ver.Data}, ok
			}
			if !found {
				return dserrors.UserError{
					Message:    fmt.Sprintf("Secret %q has no matching version", name),
					Suggestion: "Check the name, version id, or staging label",
				}
			}

			if jsonOutput {
				stages, err := store.VersionStages(ctx, name, v.ID)
				if err != nil {
					return dserrors.ProviderError(storage.ProviderAWS, "get", err)
				}
				v.Stages = stages
				return writeJSON(cmd.OutOrStdout(), v)
			}

			var payload struct {
				SecretString string `json:"SecretString"`
			}
			if err := json.Unmarshal(v.Data, &payload); err != nil {
				return fmt.Errorf("failed to decode version %s: %w", v.ID, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), payload.SecretString)
			return nil
		},
	}

	cmd.Flags().StringVar(&versionID, "version-id", "", "Read this version id")
	cmd.Flags().StringVar(&stage, "stage", "", "Read the version carrying this staging label")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the version as JSON")
	return cmd
}

// describeView mirrors the DescribeSecret fields worth printing.
type describeView struct {
	ARN                string              `json:"ARN"`
	Name               string              `json:"Name"`
	Description        string              `json:"Description,omitempty"`
	DeletedDate        string              `json:"DeletedDate,omitempty"`
	VersionIdsToStages map[string][]string `json:"VersionIdsToStages"`
}

func newAWSDescribeCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "describe NAME",
		Short: "Describe a secret the way DescribeSecret reports it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			store, closeFn, err := openAWS(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			awsCfg := cfg.Definition.Providers.AWS
			api := emulator.NewAWSSecretsManager(store, awsCfg.Region, awsCfg.AccountID)
			out, err := api.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{SecretId: aws.String(args[0])})
			if err != nil {
				return dserrors.ProviderError(storage.ProviderAWS, "describe", err)
			}

			view := describeView{
				ARN:                aws.ToString(out.ARN),
				Name:               aws.ToString(out.Name),
				Description:        aws.ToString(out.Description),
				VersionIdsToStages: out.VersionIdsToStages,
			}
			if out.DeletedDate != nil {
				view.DeletedDate = out.DeletedDate.Format("2006-01-02T15:04:05Z")
			}
			return writeJSON(cmd.OutOrStdout(), view)
		},
	}
}

func newAWSDeleteCommand(cfg *config.Config) *cobra.Command {
	var (
		recoveryWindow int
		force          bool
	)

	cmd := &cobra.Command{
		Use:   "delete NAME",
		Short: "Schedule a secret for deletion, or delete it immediately with --force",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			store, closeFn, err := openAWS(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			name := args[0]
			if force {
				deleted, err := store.ForceDeleteSecret(ctx, name)
				if err != nil {
					return dserrors.ProviderError(storage.ProviderAWS, "delete", err)
				}
				if !deleted {
					return notFound(name)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", name)
				return nil
			}

			ok, deletionDate, err := store.DeleteSecretWithRecovery(ctx, name, recoveryWindow)
			if err != nil {
				return dserrors.ProviderError(storage.ProviderAWS, "delete", err)
			}
			if !ok {
				return notFound(name)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s scheduled for deletion on %s\n", name, deletionDate.Format("2006-01-02"))
			return nil
		},
	}

	cmd.Flags().IntVar(&recoveryWindow, "recovery-window", 30, "Recovery window in days")
	cmd.Flags().BoolVar(&force, "force", false, "Delete without a recovery window")
	return cmd
}

func newAWSRestoreCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "restore NAME",
		Short: "Cancel a scheduled deletion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			store, closeFn, err := openAWS(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			ok, err := store.RestoreSecret(ctx, args[0])
			if err != nil {
				return dserrors.ProviderError(storage.ProviderAWS, "restore", err)
			}
			if !ok {
				return notFound(args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %s\n", args[0])
			return nil
		},
	}
}

func notFound(name string) error {
	return dserrors.UserError{
		Message:    fmt.Sprintf("Secret %q not found", name),
		Suggestion: "Check the name and the configured database",
	}
}
