package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sitebind/sitebind/pkg/stores"
)

func newRetryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <binding>",
		Short: "Force a re-check of a binding",
		Long: `Force a BLOCKED or FAILED binding back to PENDING_DNS_VALIDATION with its
counters cleared. The next tick may recreate a failed platform binding once.
A binding that is still converging is only made due immediately.`,
		Example: `  bindctl retry shop.example.com`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx, appOptions{engine: true, offline: true})
			if err != nil {
				return err
			}
			defer a.Close()

			prev, err := a.reporter.Get(ctx, args[0])
			if err != nil {
				return err
			}
			rec, err := a.reconciler.ForceRetry(ctx, args[0])
			if err != nil {
				return err
			}
			a.audit(ctx, stores.AuditActionRetry, rec.BindingID, map[string]string{
				"from": string(prev.Status),
				"to":   string(rec.Status),
			})

			fmt.Printf("✓ %s: %s -> %s\n", rec.BindingID, prev.Status, rec.Status)
			return nil
		},
	}

	return cmd
}
