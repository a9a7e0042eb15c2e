package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
	yamlOutput bool
	actor      string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bindctl",
		Short: "sitebind - custom domain convergence engine",
		Long: `sitebind binds custom domains to hosted sites. It drives DNS zones,
certificate authorities, CDN distributions and hosting platforms until the
observed state of every binding matches its declared state.

A binding moves through PENDING_DNS_VALIDATION, PENDING_CERTIFICATE_ISSUANCE
and PENDING_EDGE_PROPAGATION to AVAILABLE, or stops in BLOCKED or FAILED with
a reason and a remediation hint.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default sitebind.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&yamlOutput, "yaml", false, "output in YAML format")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", defaultActor(), "operator name recorded in the audit log")
	rootCmd.MarkFlagsMutuallyExclusive("json", "yaml")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newSubmitCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newEventsCommand())
	rootCmd.AddCommand(newRetryCommand())
	rootCmd.AddCommand(newTeardownCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newExportCommand())
	rootCmd.AddCommand(newImportCommand())

	return rootCmd
}
