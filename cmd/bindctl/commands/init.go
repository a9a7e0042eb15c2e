package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sitebind/sitebind/pkg/config"
	"github.com/sitebind/sitebind/pkg/stores"
)

func newInitCommand() *cobra.Command {
	var (
		dbPath string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file and the binding database",
		Long: `Write a default configuration that uses the in-memory adapters, then
create the SQLite binding database and apply its migrations.

Edit the providers section afterwards to point each resource kind at a real
vendor (aws, aliyun, tencent or huawei).`,
		Example: `  # Initialize in the current directory
  bindctl init

  # Initialize with a custom config and database location
  bindctl init --config /etc/sitebind/sitebind.yaml --db /var/lib/sitebind/bindings.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			path := configPath
			if path == "" {
				path = config.DefaultPath
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config %s already exists (use --force to overwrite)", path)
			}

			cfg := config.Default()
			if dbPath != "" {
				cfg.Database.Path = dbPath
			}

			if dir := filepath.Dir(path); dir != "." {
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
			}
			if err := cfg.Write(path); err != nil {
				return err
			}
			fmt.Printf("✓ Created config file: %s\n", path)

			storeCfg := cfg.Database.StoreConfig()
			if !filepath.IsAbs(storeCfg.Path) {
				storeCfg.Path = filepath.Join(filepath.Dir(path), storeCfg.Path)
			}
			store, err := stores.Open(ctx, storeCfg)
			if err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			defer store.Close()
			fmt.Printf("✓ Initialized binding database: %s\n", storeCfg.Path)

			log.Debug().Str("config", path).Str("database", storeCfg.Path).Msg("Workspace initialized")

			fmt.Printf("\nNext steps:\n")
			fmt.Printf("  1. Validate a desired state:\n")
			fmt.Printf("     bindctl validate -f shop.yaml\n\n")
			fmt.Printf("  2. Submit it:\n")
			fmt.Printf("     bindctl submit -f shop.yaml\n\n")
			fmt.Printf("  3. Start the daemon:\n")
			fmt.Printf("     bindctl run --simulate\n")
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "binding database path (default sitebind.db next to the config)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	return cmd
}
