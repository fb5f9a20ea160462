package commands

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/systmms/vstore/internal/config"
	"github.com/systmms/vstore/internal/storage"
)

var providerNames = []string{storage.ProviderAWS, storage.ProviderGCP, storage.ProviderAzure}

// NewBackendCommand reports which backend each provider would use.
func NewBackendCommand(cfg *config.Config) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Show the storage backend selected for each provider",
		Long: `Show which storage backend each provider layer runs on.

With DATABASE_URL (or database.url) unset every provider uses the in-memory
store. When the database cannot be reached the store falls back to memory
unless database.require is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cfg); err != nil {
				return err
			}

			var (
				mu    sync.Mutex
				kinds = make(map[string]string)
			)
			g, ctx := errgroup.WithContext(context.Background())
			for _, provider := range providerNames {
				g.Go(func() error {
					backend, err := backendOpener(ctx, cfg, provider)
					if err != nil {
						return err
					}
					defer func() { _ = backend.Close() }()

					mu.Lock()
					kinds[provider] = backend.Kind().String()
					mu.Unlock()
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), kinds)
			}
			for _, provider := range providerNames {
				fmt.Fprintf(cmd.OutOrStdout(), "%-6s %s\n", provider, kinds[provider])
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	return cmd
}
