package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sitebind/sitebind/pkg/engine"
	"github.com/sitebind/sitebind/pkg/stores"
)

func newTeardownCommand() *cobra.Command {
	var (
		yes      bool
		simulate bool
	)

	cmd := &cobra.Command{
		Use:   "teardown <binding>",
		Short: "Remove what a binding added and delete it",
		Long: `Apply the reverse operations of a binding through the adapters: routing
records, aliases and the viewer certificate, the platform binding, validation
records and the certificate. CAA records are kept. The binding record is
deleted only when every operation succeeded; otherwise it keeps the error and
a later teardown resumes.`,
		Example: `  bindctl teardown shop.example.com
  bindctl teardown shop.example.com --yes`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id := engine.NormalizeHost(args[0])

			if !yes && !confirm(fmt.Sprintf("Tear down %s and delete its resources?", id)) {
				return fmt.Errorf("teardown cancelled")
			}

			a, err := openApp(ctx, appOptions{engine: true, simulate: simulate})
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.reconciler.Teardown(ctx, id)
			if res != nil {
				a.audit(ctx, stores.AuditActionTeardown, id, map[string]interface{}{
					"applied": len(res.Applied),
					"pending": len(res.Pending),
					"deleted": res.Deleted,
				})
			}
			if err != nil {
				if res != nil && len(res.Pending) > 0 {
					_ = printOperations(res.Pending, "PENDING")
				}
				return err
			}

			return render(os.Stdout, res, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "#\tAPPLIED\tTARGET")
				for i, op := range res.Applied {
					fmt.Fprintf(tw, "%d\t%s\t%s\n", i+1, op.Kind, op.Target)
				}
				fmt.Fprintf(tw, "\nBinding %s deleted.\n", id)
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	cmd.Flags().BoolVar(&simulate, "simulate", false, "tear down against the in-memory adapters")

	return cmd
}

func printOperations(ops []*engine.Operation, header string) error {
	return render(os.Stdout, ops, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "#\t%s\tTARGET\n", header)
		for i, op := range ops {
			fmt.Fprintf(tw, "%d\t%s\t%s\n", i+1, op.Kind, op.Target)
		}
	})
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
